// Package pgptest generates throwaway OpenPGP identities and keyrings for tests.
package pgptest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/require"
)

// NewEntity generates an RSA-2048 identity with encryption and signing keys.
func NewEntity(t testing.TB, name, email string) *openpgp.Entity {
	t.Helper()

	e, err := openpgp.NewEntity(name, "", email, &packet.Config{RSABits: 2048})
	require.NoError(t, err)

	return e
}

// Fingerprint returns the upper-case hex fingerprint of e's primary key.
func Fingerprint(e *openpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

// WriteKeyring writes public keys for all of public and secret keys for all
// of secret into dir as pubring.asc and secring.asc.
func WriteKeyring(t testing.TB, dir string, public, secret []*openpgp.Entity) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0700))

	if len(public) > 0 {
		writeArmored(t, filepath.Join(dir, "pubring.asc"), openpgp.PublicKeyType, func(w io.Writer) {
			for _, e := range public {
				require.NoError(t, e.Serialize(w))
			}
		})
	}

	if len(secret) > 0 {
		writeArmored(t, filepath.Join(dir, "secring.asc"), openpgp.PrivateKeyType, func(w io.Writer) {
			for _, e := range secret {
				require.NoError(t, e.SerializePrivate(w, nil))
			}
		})
	}
}

func writeArmored(t testing.TB, path, blockType string, body func(w io.Writer)) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	require.NoError(t, err)
	defer f.Close()

	aw, err := armor.Encode(f, blockType, nil)
	require.NoError(t, err)

	body(aw)

	require.NoError(t, aw.Close())
}
