// Package keyvault resolves the user's long-lived private key, keeping it
// sealed at rest with the user's own envelope identity.
//
// Concurrent invocations for the same key path are not coordinated unless
// Options.Lock is set: two processes that both find no key will each generate
// one and the last rename wins.
package keyvault

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/mtls/internal/config"
	"github.com/wolfeidau/mtls/internal/envelope"
)

const (
	// DefaultBits is the RSA modulus size for generated keys.
	DefaultBits = 4096

	// KeySuffix is appended to the user name to form the sealed key file name.
	KeySuffix = ".key.gpg"
)

var (
	// ErrKeyDecryption is returned when the sealed key file cannot be read or opened.
	ErrKeyDecryption = errors.New("failed to decrypt user key")

	// ErrKeyParse is returned when decrypted bytes are not a private key.
	ErrKeyParse = errors.New("failed to parse user key")

	// ErrPersist is returned when a generated key cannot be written.
	ErrPersist = errors.New("failed to persist user key")
)

// Options configures a Vault. All paths are explicit; nothing is read from
// the process environment.
type Options struct {
	// Dir is the configuration root holding the sealed key.
	Dir string
	// User names the key file: <Dir>/<User>.key.gpg.
	User string
	// Bits overrides DefaultBits.
	Bits int
	// Lock takes an exclusive advisory lock on <key>.lock during Resolve.
	Lock bool
}

// Keypair holds a resolved private key.
type Keypair struct {
	Signer crypto.Signer
	// Generated is true when Resolve created the key.
	Generated bool
}

// Public returns the public half of the key.
func (k *Keypair) Public() crypto.PublicKey {
	return k.Signer.Public()
}

// Vault resolves the user's private key.
type Vault struct {
	env  envelope.Envelope
	path string
	bits int
	lock bool
}

// New creates a Vault that seals and opens keys with env.
func New(env envelope.Envelope, opts Options) (*Vault, error) {
	if opts.Dir == "" {
		return nil, errors.New("key directory is required")
	}
	if opts.User == "" || strings.ContainsAny(opts.User, `/\`) {
		return nil, fmt.Errorf("invalid user name %q", opts.User)
	}

	bits := opts.Bits
	if bits == 0 {
		bits = DefaultBits
	}

	return &Vault{
		env:  env,
		path: filepath.Join(opts.Dir, opts.User+KeySuffix),
		bits: bits,
		lock: opts.Lock,
	}, nil
}

// Path returns the sealed key file path.
func (v *Vault) Path() string {
	return v.path
}

// Resolve opens the sealed key if it exists, otherwise generates a new key,
// seals it to the identity's own fingerprint and writes it. Exactly one of
// the two paths runs per call.
func (v *Vault) Resolve(ctx context.Context, identity config.Identity) (*Keypair, error) {
	if err := identity.Require(config.FieldFingerprint); err != nil {
		return nil, err
	}

	if v.lock {
		unlock, err := lockFile(v.path + ".lock")
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", v.path, err)
		}
		defer unlock()
	}

	_, err := os.Stat(v.path)
	switch {
	case err == nil:
		return v.load()
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		// a path component that is not a directory means no key yet; the
		// write in generate reports it as ErrPersist
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return v.generate(identity)
	default:
		return nil, fmt.Errorf("failed to check key file: %w", err)
	}
}

func (v *Vault) load() (*Keypair, error) {
	log.Info().Str("path", v.path).Msg("decrypting user key")

	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDecryption, err)
	}

	plain, err := v.env.Open(&envelope.SealedBlob{Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyDecryption, v.path, err)
	}
	defer clear(plain)

	signer, err := ParsePrivateKey(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}

	return &Keypair{Signer: signer}, nil
}

func (v *Vault) generate(identity config.Identity) (*Keypair, error) {
	log.Info().Str("path", v.path).Int("bits", v.bits).Msg("generating user key")

	key, err := rsa.GenerateKey(rand.Reader, v.bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	plain := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	defer clear(plain)

	blob, err := v.env.Seal(plain, identity.Fingerprint, false)
	if err != nil {
		return nil, fmt.Errorf("failed to seal user key: %w", err)
	}

	if err := writeAtomic(v.path, blob.Data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	log.Info().
		Str("path", v.path).
		Str("recipient", blob.Recipient).
		Str("email", identity.Email).
		Msg("user key sealed and written")

	return &Keypair{Signer: key, Generated: true}, nil
}

// ParsePrivateKey decodes a PEM private key in PKCS#1, PKCS#8 or SEC 1 form.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, err
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}

// writeAtomic writes data to a temp file in the same directory and renames
// it into place so a partial file is never visible at path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()

	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Chmod(0600); err != nil {
		return fail(err)
	}
	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}
