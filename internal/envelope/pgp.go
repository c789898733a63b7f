package envelope

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/rs/zerolog/log"
)

const (
	// PublicKeyringFile holds exported public keys (gpg --export --armor).
	PublicKeyringFile = "pubring.asc"

	// SecretKeyringFile holds exported secret keys (gpg --export-secret-keys --armor).
	SecretKeyringFile = "secring.asc"

	messageType = "PGP MESSAGE"
)

var _ Envelope = (*PGP)(nil)

// PGPOptions configures an OpenPGP envelope.
type PGPOptions struct {
	// KeyringDir contains pubring.asc and optionally secring.asc.
	KeyringDir string
	// Self is the caller's own fingerprint, used to sign.
	Self string
	// Passphrase unlocks protected secret keys.
	Passphrase []byte
}

// Identity describes a key in the trust store.
type Identity struct {
	Fingerprint string
	KeyID       string
	Emails      []string
	Secret      bool
}

// PGP seals and opens OpenPGP messages using keys from a keyring directory.
type PGP struct {
	self     string
	entities openpgp.EntityList
	config   *packet.Config
}

// NewPGP loads the keyrings in opts.KeyringDir.
func NewPGP(opts PGPOptions) (*PGP, error) {
	public, err := readKeyRing(filepath.Join(opts.KeyringDir, PublicKeyringFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read public keyring: %w", err)
	}

	secret, err := readKeyRing(filepath.Join(opts.KeyringDir, SecretKeyringFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret keyring: %w", err)
	}

	if len(public) == 0 && len(secret) == 0 {
		return nil, fmt.Errorf("no keys found in %s", opts.KeyringDir)
	}

	if len(opts.Passphrase) > 0 {
		for _, e := range secret {
			if err := unlock(e, opts.Passphrase); err != nil {
				log.Warn().Str("fingerprint", fingerprint(e)).Err(err).Msg("failed to unlock secret key")
			}
		}
	}

	log.Debug().
		Str("keyringDir", opts.KeyringDir).
		Int("public", len(public)).
		Int("secret", len(secret)).
		Msg("keyring loaded")

	return NewPGPFromEntities(opts.Self, mergeEntities(public, secret)), nil
}

// NewPGPFromEntities builds an envelope over an in-memory key list.
func NewPGPFromEntities(self string, entities openpgp.EntityList) *PGP {
	return &PGP{
		self:     NormalizeFingerprint(self),
		entities: entities,
		config: &packet.Config{
			DefaultHash:   crypto.SHA256,
			DefaultCipher: packet.CipherAES256,
		},
	}
}

// Identities lists the keys in the trust store.
func (p *PGP) Identities() []Identity {
	ids := make([]Identity, 0, len(p.entities))
	for _, e := range p.entities {
		id := Identity{
			Fingerprint: fingerprint(e),
			KeyID:       e.PrimaryKey.KeyIdString(),
			Secret:      e.PrivateKey != nil,
		}
		for _, ident := range e.Identities {
			if ident.UserId != nil && ident.UserId.Email != "" {
				id.Emails = append(id.Emails, ident.UserId.Email)
			}
		}
		ids = append(ids, id)
	}
	return ids
}

// Seal encrypts plaintext to recipient and armors the result.
func (p *PGP) Seal(plaintext []byte, recipient string, sign bool) (*SealedBlob, error) {
	to := p.lookup(recipient)
	if to == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
	}

	var signer *openpgp.Entity
	if sign {
		signer = p.lookup(p.self)
		if signer == nil || signer.PrivateKey == nil {
			return nil, fmt.Errorf("%w: no secret key for signing identity %q", ErrSealing, p.self)
		}
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealing, err)
	}

	w, err := openpgp.Encrypt(aw, []*openpgp.Entity{to}, signer, &openpgp.FileHints{IsBinary: true}, p.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealing, err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealing, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealing, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealing, err)
	}
	buf.WriteByte('\n')

	blob := &SealedBlob{
		Recipient: fingerprint(to),
		Signed:    sign,
		Data:      buf.Bytes(),
	}
	if sign {
		blob.Signer = fingerprint(signer)
	}

	return blob, nil
}

// Open decrypts an armored or binary OpenPGP message.
func (p *PGP) Open(blob *SealedBlob) ([]byte, error) {
	r, err := decodeMessage(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	md, err := openpgp.ReadMessage(r, p.entities, p.prompt, p.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	if !md.IsEncrypted {
		return nil, fmt.Errorf("%w: message is not encrypted", ErrDecryption)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		var sigErr pgperrors.SignatureError
		if md.IsSigned && (md.SignatureError != nil || errors.As(err, &sigErr)) {
			return nil, fmt.Errorf("%w: %w", ErrSignatureVerification, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	switch {
	case md.IsSigned && md.SignatureError != nil:
		if !blob.Signed && errors.Is(md.SignatureError, pgperrors.ErrUnknownIssuer) {
			break
		}
		return nil, fmt.Errorf("%w: %w", ErrSignatureVerification, md.SignatureError)
	case md.IsSigned && md.SignedBy == nil:
		if blob.Signed {
			return nil, fmt.Errorf("%w: signed by unknown key %X", ErrSignatureVerification, md.SignedByKeyId)
		}
	case !md.IsSigned && blob.Signed:
		return nil, fmt.Errorf("%w: message is not signed", ErrSignatureVerification)
	}

	if blob.Signer != "" {
		if md.SignedBy == nil || !matches(md.SignedBy.Entity, NormalizeFingerprint(blob.Signer)) {
			return nil, fmt.Errorf("%w: not signed by %s", ErrSignatureVerification, blob.Signer)
		}
	}

	return plaintext, nil
}

func (p *PGP) prompt(keys []openpgp.Key, symmetric bool) ([]byte, error) {
	return nil, errors.New("secret key is locked, a passphrase is required")
}

func (p *PGP) lookup(id string) *openpgp.Entity {
	want := NormalizeFingerprint(id)
	if want == "" {
		return nil
	}

	for _, e := range p.entities {
		if matches(e, want) {
			return e
		}
	}

	for _, e := range p.entities {
		for _, ident := range e.Identities {
			if ident.UserId != nil && strings.EqualFold(ident.UserId.Email, strings.TrimSpace(id)) {
				return e
			}
		}
	}

	return nil
}

// matches compares want against the primary and subkey fingerprints, accepting
// a full fingerprint or a long/short key ID suffix.
func matches(e *openpgp.Entity, want string) bool {
	if e == nil {
		return false
	}

	keys := []*packet.PublicKey{e.PrimaryKey}
	for _, sk := range e.Subkeys {
		keys = append(keys, sk.PublicKey)
	}

	for _, k := range keys {
		fp := fmt.Sprintf("%X", k.Fingerprint)
		if fp == want {
			return true
		}
		if (len(want) == 16 || len(want) == 8) && strings.HasSuffix(fp, want) {
			return true
		}
	}

	return false
}

func fingerprint(e *openpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}

func unlock(e *openpgp.Entity, passphrase []byte) error {
	if e.PrivateKey != nil && e.PrivateKey.Encrypted {
		if err := e.PrivateKey.Decrypt(passphrase); err != nil {
			return err
		}
	}
	for _, sk := range e.Subkeys {
		if sk.PrivateKey != nil && sk.PrivateKey.Encrypted {
			if err := sk.PrivateKey.Decrypt(passphrase); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeEntities returns public entities with any secret entity of the same
// fingerprint replacing its public counterpart.
func mergeEntities(public, secret openpgp.EntityList) openpgp.EntityList {
	merged := make(openpgp.EntityList, 0, len(public)+len(secret))
	index := make(map[string]int)

	for _, e := range public {
		index[fingerprint(e)] = len(merged)
		merged = append(merged, e)
	}
	for _, e := range secret {
		if i, ok := index[fingerprint(e)]; ok {
			merged[i] = e
			continue
		}
		index[fingerprint(e)] = len(merged)
		merged = append(merged, e)
	}

	return merged
}

func readKeyRing(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if isArmored(data) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

func decodeMessage(data []byte) (io.Reader, error) {
	if !isArmored(data) {
		return bytes.NewReader(data), nil
	}

	block, err := armor.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if block.Type != messageType {
		return nil, fmt.Errorf("unexpected armor type %q", block.Type)
	}
	return block.Body, nil
}

func isArmored(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN PGP"))
}
