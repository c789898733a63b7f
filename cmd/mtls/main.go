package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/mtls/cmd/mtls/internal/commands"
	"github.com/wolfeidau/mtls/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Issue     commands.IssueCmd   `cmd:"" default:"withargs" help:"Request a short-lived client certificate (default)"`
		Servers   commands.ServersCmd `cmd:"" help:"List configured servers"`
		Keyring   commands.KeyringCmd `cmd:"" help:"List keys in the OpenPGP keyring"`
		Debug     bool                `help:"Enable debug mode."`
		ConfigDir string              `help:"Configuration directory." env:"MTLS_CONFIG_DIR" default:"${config_dir}" type:"path"`
		Otel      bool                `help:"Export traces and metrics over OTLP." env:"MTLS_OTEL"`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	home, _ := os.UserHomeDir()

	cmd := kong.Parse(&cli,
		kong.Name("mtls"),
		kong.Description("Issue short-lived mutual TLS client certificates."),
		kong.Vars{
			"version":    version,
			"config_dir": filepath.Join(home, ".config", "mtls"),
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	err := cmd.Run(&commands.Globals{
		Debug:     cli.Debug,
		Version:   version,
		ConfigDir: cli.ConfigDir,
		Otel:      cli.Otel,
		Stdout:    os.Stdout,
	})
	cmd.FatalIfErrorf(err)
}
