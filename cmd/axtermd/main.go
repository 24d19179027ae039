// Command axtermd is the AX.25 packet-radio daemon: it owns the serial
// KISS TNC, the AX.25 connected-mode sessions riding over it, and the
// DGP file-transfer/chat application layer, all wired together by
// internal/coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/minorsecond/axterm/internal/ax25"
	"github.com/minorsecond/axterm/internal/config"
	"github.com/minorsecond/axterm/internal/coordinator"
	"github.com/minorsecond/axterm/internal/kiss"
	"github.com/minorsecond/axterm/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "axtermd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "Path to axtermd.yaml. Defaults to the first of axtermd.yaml, ./config/axtermd.yaml, /etc/axtermd/axtermd.yaml that exists.")
	callsign := pflag.StringP("callsign", "C", "", "Station callsign, e.g. KC1ABC")
	ssid := pflag.IntP("ssid", "S", -1, "Station SSID, 0-15")
	channel := pflag.IntP("channel", "n", -1, "KISS port/channel number")
	device := pflag.StringP("device", "d", "", "TNC serial device path, e.g. /dev/ttyUSB0")
	baud := pflag.IntP("baud", "b", 0, "TNC serial baud rate")
	saveDir := pflag.StringP("save-dir", "o", "", "Directory received files are written to")
	chunkSize := pflag.Uint32P("chunk-size", "k", 0, "DGP file-chunk payload size in bytes")
	logLevel := pflag.StringP("log-level", "l", "", "Log level: debug, info, warn, error")
	logFormat := pflag.StringP("log-format", "f", "", "Log format: text, json, logfmt")
	logFile := pflag.StringP("log-file", "L", "", "Log file path. Empty logs to stderr.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - AX.25 packet-radio session and file-transfer daemon.\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(&cfg, *callsign, *ssid, *channel, *device, *baud, *saveDir, *chunkSize, *logLevel, *logFormat, *logFile)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	local := ax25.Address{Call: cfg.Station.Callsign, SSID: cfg.Station.SSID}

	coord := coordinator.New(coordinator.Config{
		Local:        local,
		Channel:      cfg.Station.Channel,
		SaveDir:      cfg.Transfer.SaveDir,
		ChunkSize:    cfg.Transfer.ChunkSize,
		Compressible: cfg.Transfer.Compressible,
		Capabilities: cfg.LocalCapabilities(),
		RouteTTL:     cfg.Adaptive.RouteTTL,
	}, logger)
	coord.SetCapabilityNegotiation(cfg.Capability.Enabled, cfg.Capability.AutoNegotiate)

	registry := kiss.NewPathRegistry()
	port := kiss.NewSerialPort(kiss.Config{
		DevicePath:    cfg.TNC.Device,
		BaudRate:      cfg.TNC.BaudRate,
		AutoReconnect: true,
		TXDelay:       cfg.TNC.TXDelay,
		Persistence:   cfg.TNC.Persistence,
		SlotTime:      cfg.TNC.SlotTime,
		TXTail:        cfg.TNC.TXTail,
		FullDuplex:    cfg.TNC.FullDuplex,
	}, registry, coord.HandleKISSFrame, logger)
	coord.SetTransport(port)

	if err := port.Open(); err != nil {
		return fmt.Errorf("opening TNC %s: %w", cfg.TNC.Device, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord.Run(ctx)
	logger.Info("axtermd running",
		"station", local.String(),
		"channel", cfg.Station.Channel,
		"device", cfg.TNC.Device,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	coord.Close()
	port.Close()
	return nil
}

// applyFlagOverrides overlays any flag the caller actually set on top of
// the loaded config. Sentinel values mean "not given": -1 for ssid and
// channel (where 0 is a valid value), 0 for baud rate and chunk size
// (where 0 is never valid), and "" for the string flags.
func applyFlagOverrides(cfg *config.Config, callsign string, ssid, channel int, device string, baud int, saveDir string, chunkSize uint32, logLevel, logFormat, logFile string) {
	if callsign != "" {
		cfg.Station.Callsign = callsign
	}
	if ssid >= 0 {
		cfg.Station.SSID = ssid
	}
	if channel >= 0 {
		cfg.Station.Channel = channel
	}
	if device != "" {
		cfg.TNC.Device = device
	}
	if baud != 0 {
		cfg.TNC.BaudRate = baud
	}
	if saveDir != "" {
		cfg.Transfer.SaveDir = saveDir
	}
	if chunkSize != 0 {
		cfg.Transfer.ChunkSize = chunkSize
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
}
