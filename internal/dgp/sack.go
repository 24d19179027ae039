package dgp

// EncodeSackBitmap packs received, a set of absolute chunk indices,
// into the byte-array bitmap format of spec.md §4.7: bit k (LSB-first
// within each byte) set means index baseChunk+k was received, for k in
// [0,count).
func EncodeSackBitmap(received map[uint32]bool, baseChunk, count uint32) []byte {
	out := make([]byte, (count+7)/8)
	for k := uint32(0); k < count; k++ {
		if received[baseChunk+k] {
			out[k/8] |= 1 << (k % 8)
		}
	}
	return out
}

// DecodeSackBitmap expands bitmap back into a received[k]=bool slice
// covering [0,count) relative to baseChunk.
func DecodeSackBitmap(bitmap []byte, count uint32) []bool {
	out := make([]bool, count)
	for k := uint32(0); k < count; k++ {
		byteIdx := k / 8
		if int(byteIdx) >= len(bitmap) {
			break
		}
		out[k] = bitmap[byteIdx]&(1<<(k%8)) != 0
	}
	return out
}
