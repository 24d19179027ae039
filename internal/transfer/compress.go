// Package transfer implements the §4.7 file-transfer engine: whole-file
// compression, fixed-size chunking, selective-ACK recovery, and the
// completion handshake, on both the sending and receiving side.
package transfer

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/minorsecond/axterm/internal/dgp"
)

// MaxDecompressedSize is an absolute backstop against a decompression
// bomb, independent of whatever size the sender's FileMeta claims.
const MaxDecompressedSize = 512 << 20 // 512 MiB

// compressWholeFile compresses data as one unit with DEFLATE. If the
// result isn't smaller, it returns the original bytes with
// CompressionNone, per spec.md §4.7 step 2 ("if compression yields no
// benefit, fall back to uncompressed").
func compressWholeFile(data []byte) ([]byte, dgp.CompressionAlgorithm) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return data, dgp.CompressionNone
	}
	if _, err := w.Write(data); err != nil {
		return data, dgp.CompressionNone
	}
	if err := w.Close(); err != nil {
		return data, dgp.CompressionNone
	}
	if buf.Len() >= len(data) {
		return data, dgp.CompressionNone
	}
	return buf.Bytes(), dgp.CompressionDeflate
}

// decompress expands data, produced under algo, back to exactly
// originalLength bytes. It refuses to read past originalLength (plus
// a one-byte overrun check to detect a sender that lied about size)
// and never expands past MaxDecompressedSize regardless of what the
// sender claims, guarding against a decompression bomb either way.
func decompress(data []byte, algo dgp.CompressionAlgorithm, originalLength uint32) ([]byte, error) {
	switch algo {
	case dgp.CompressionNone:
		if uint32(len(data)) != originalLength {
			return nil, fmt.Errorf("transfer: uncompressed size mismatch: got %d want %d", len(data), originalLength)
		}
		return data, nil
	case dgp.CompressionDeflate:
		limit := int64(originalLength)
		if limit > MaxDecompressedSize {
			limit = MaxDecompressedSize
		}
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()

		limited := io.LimitReader(r, limit+1)
		out, err := io.ReadAll(limited)
		if err != nil {
			return nil, fmt.Errorf("transfer: decompress failed: %w", err)
		}
		if uint32(len(out)) != originalLength {
			return nil, fmt.Errorf("transfer: decompressed size mismatch: got %d want %d", len(out), originalLength)
		}
		return out, nil
	case dgp.CompressionLZ4, dgp.CompressionZstd:
		return nil, fmt.Errorf("transfer: compression algorithm %s not supported by this build", algo)
	default:
		return nil, fmt.Errorf("transfer: unknown compression algorithm %d", algo)
	}
}

// chunkBytes splits data into fixed-size pieces, the last possibly
// shorter.
func chunkBytes(data []byte, size uint32) [][]byte {
	if size == 0 {
		size = 256
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += int(size) {
		end := off + int(size)
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}
