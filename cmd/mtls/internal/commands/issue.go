package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/mtls/internal/caclient"
	"github.com/wolfeidau/mtls/internal/config"
	"github.com/wolfeidau/mtls/internal/envelope"
	"github.com/wolfeidau/mtls/internal/issuer"
	"github.com/wolfeidau/mtls/internal/keyvault"
)

// IssueCmd requests a short-lived client certificate from a CA.
type IssueCmd struct {
	Server     string        `help:"Server name from config.yaml, optional when only one is configured" short:"s"`
	User       string        `help:"User name, used to name the sealed key file" env:"USER" required:""`
	Host       string        `help:"Host name reported to the CA" env:"HOST"`
	Keyring    string        `help:"Directory holding exported pubring.asc and secring.asc (default <config-dir>/keyring)" env:"MTLS_KEYRING" type:"path"`
	Passphrase string        `help:"Passphrase for protected secret keys" env:"MTLS_PGP_PASSPHRASE"`
	Timeout    time.Duration `help:"CA request timeout" default:"30s"`
	Lock       bool          `help:"Hold an exclusive lock on the key file while resolving it"`
	DryRun     bool          `help:"Print the sealed CSR instead of submitting it"`
	Bits       int           `help:"RSA key size for a newly generated key" default:"4096" hidden:""`
}

func (c *IssueCmd) Run(ctx context.Context, globals *Globals) error {
	defer startTelemetry(ctx, globals)()

	cfg, err := config.Load(globals.ConfigDir)
	if err != nil {
		return err
	}

	identity, err := cfg.Select(c.Server)
	if err != nil {
		return err
	}

	env, err := envelope.NewPGP(envelope.PGPOptions{
		KeyringDir: globals.keyringDir(c.Keyring),
		Self:       identity.Fingerprint,
		Passphrase: []byte(c.Passphrase),
	})
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}

	vault, err := keyvault.New(env, keyvault.Options{
		Dir:  globals.ConfigDir,
		User: c.User,
		Bits: c.Bits,
		Lock: c.Lock,
	})
	if err != nil {
		return err
	}

	clientCfg := caclient.DefaultConfig()
	clientCfg.Host = c.Host
	clientCfg.UserAgent = fmt.Sprintf("mtls/%s", globals.Version)
	if c.Timeout > 0 {
		clientCfg.Timeout = c.Timeout
	}

	log.Info().Str("server", identity.Name).Str("url", identity.URL).Msg("Requesting certificate")

	res, err := issuer.New(vault, env, caclient.New(clientCfg)).Issue(ctx, identity, c.DryRun)
	if err != nil {
		return err
	}

	if c.DryRun {
		_, err = fmt.Fprint(globals.stdout(), res.Sealed.String())
		return err
	}

	if res.Response.StatusCode < 200 || res.Response.StatusCode > 299 {
		log.Warn().
			Int("status", res.Response.StatusCode).
			Str("requestID", res.Response.RequestID).
			Msg("CA returned an error status")
	}

	return printJSON(globals.stdout(), res.Response.Body)
}

func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		buf.Reset()
		buf.Write(body)
	}
	buf.WriteByte('\n')

	_, err := buf.WriteTo(w)
	return err
}
