// Package envelope encrypts and optionally signs payloads to a named recipient
// identity. It is used to seal the user's private key at rest and to seal CSRs
// for transmission to a certificate authority.
package envelope

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownRecipient is returned when a recipient fingerprint is not in the trust store.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrSealing is returned for cryptographic failures while sealing.
	ErrSealing = errors.New("sealing failed")

	// ErrDecryption is returned when a blob cannot be decrypted: wrong key,
	// tampered ciphertext or a corrupt encoding.
	ErrDecryption = errors.New("decryption failed")

	// ErrSignatureVerification is returned when a blob expected to be signed
	// carries no signature or one that does not verify.
	ErrSignatureVerification = errors.New("signature verification failed")
)

// SealedBlob is ciphertext bound to a recipient, optionally signed by the sender.
type SealedBlob struct {
	// Recipient is the identity the blob was sealed to.
	Recipient string
	// Signed marks the blob as expected to carry a valid signature.
	Signed bool
	// Signer optionally pins the identity the signature must come from.
	Signer string
	// Data is the encoded ciphertext.
	Data []byte
}

// String returns the encoded blob as text.
func (b *SealedBlob) String() string {
	return string(b.Data)
}

// Envelope seals payloads to recipients and opens blobs addressed to the caller.
type Envelope interface {
	// Seal encrypts plaintext to recipient. When sign is true the blob is
	// also signed with the caller's own identity.
	Seal(plaintext []byte, recipient string, sign bool) (*SealedBlob, error)

	// Open decrypts blob. A blob marked Signed must carry a valid signature.
	Open(blob *SealedBlob) ([]byte, error)
}

// NormalizeFingerprint upper-cases a fingerprint or key ID and strips spaces
// and a leading 0x.
func NormalizeFingerprint(fp string) string {
	fp = strings.ReplaceAll(strings.TrimSpace(fp), " ", "")
	fp = strings.TrimPrefix(strings.TrimPrefix(fp, "0x"), "0X")
	return strings.ToUpper(fp)
}
