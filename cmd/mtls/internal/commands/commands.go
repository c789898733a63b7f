package commands

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/mtls/internal/telemetry"
)

// serviceName identifies the CLI in exported telemetry.
const serviceName = "mtls"

type Globals struct {
	Debug     bool
	Version   string
	ConfigDir string
	Otel      bool
	Stdout    io.Writer
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

// keyringDir returns the OpenPGP keyring directory, defaulting to
// <config-dir>/keyring.
func (g *Globals) keyringDir(flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(g.ConfigDir, "keyring")
}

// startTelemetry installs the OTLP exporters when --otel is set. The returned
// func flushes and shuts them down.
func startTelemetry(ctx context.Context, globals *Globals) func() {
	if !globals.Otel {
		return func() {}
	}

	log.Info().Msg("Telemetry is enabled")

	shutdown, err := telemetry.InitTelemetry(ctx, serviceName, globals.Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}
