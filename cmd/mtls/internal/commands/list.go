package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/wolfeidau/mtls/internal/config"
	"github.com/wolfeidau/mtls/internal/envelope"
)

// ServersCmd lists the servers in config.yaml.
type ServersCmd struct{}

func (s *ServersCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := config.Load(globals.ConfigDir)
	if err != nil {
		return err
	}

	names := cfg.Names()
	if len(names) == 0 {
		fmt.Fprintf(globals.stdout(), "No servers configured in %s\n", cfg.Path)
		return nil
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tEMAIL\tFINGERPRINT\tSERVER FINGERPRINT")
	for _, name := range names {
		id := cfg.Servers[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			name,
			orDash(id.URL),
			orDash(id.Email),
			orDash(id.Fingerprint),
			orDash(id.ServerFingerprint),
		)
	}

	return w.Flush()
}

// KeyringCmd lists the keys in the OpenPGP keyring.
type KeyringCmd struct {
	Keyring string `help:"Directory holding exported pubring.asc and secring.asc (default <config-dir>/keyring)" env:"MTLS_KEYRING" type:"path"`
}

func (k *KeyringCmd) Run(ctx context.Context, globals *Globals) error {
	env, err := envelope.NewPGP(envelope.PGPOptions{KeyringDir: globals.keyringDir(k.Keyring)})
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tKEY ID\tSECRET\tEMAIL")
	for _, id := range env.Identities() {
		secret := "no"
		if id.Secret {
			secret = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id.Fingerprint, id.KeyID, secret, orDash(strings.Join(id.Emails, ",")))
	}

	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
