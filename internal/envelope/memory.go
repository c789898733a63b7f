package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

var _ Envelope = (*Memory)(nil)

var memoryMagic = []byte("MEM1")

// memoryBlockType labels the PEM block carrying a sealed frame.
const memoryBlockType = "MEM1 MESSAGE"

type memoryIdentity struct {
	boxPublic   *[32]byte
	boxPrivate  *[32]byte
	signPublic  ed25519.PublicKey
	signPrivate ed25519.PrivateKey
}

// Memory is an in-process envelope backed by NaCl anonymous boxes and
// Ed25519 signatures. Identities are registered by fingerprint.
type Memory struct {
	self string

	mu         sync.RWMutex
	identities map[string]*memoryIdentity
}

// NewMemory creates an envelope whose own identity is self. The identity is
// registered with fresh keys.
func NewMemory(self string) (*Memory, error) {
	m := &Memory{
		self:       NormalizeFingerprint(self),
		identities: make(map[string]*memoryIdentity),
	}
	if err := m.Register(self); err != nil {
		return nil, err
	}
	return m, nil
}

// Register generates secret keys for fingerprint.
func (m *Memory) Register(fingerprint string) error {
	boxPublic, boxPrivate, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate box key: %w", err)
	}

	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.identities[NormalizeFingerprint(fingerprint)] = &memoryIdentity{
		boxPublic:   boxPublic,
		boxPrivate:  boxPrivate,
		signPublic:  signPublic,
		signPrivate: signPrivate,
	}

	return nil
}

// Trust imports the public half of fingerprint from other.
func (m *Memory) Trust(other *Memory, fingerprint string) error {
	fp := NormalizeFingerprint(fingerprint)

	other.mu.RLock()
	id, ok := other.identities[fp]
	other.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, fingerprint)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.identities[fp] = &memoryIdentity{
		boxPublic:  id.boxPublic,
		signPublic: id.signPublic,
	}

	return nil
}

// Seal encrypts plaintext to recipient.
func (m *Memory) Seal(plaintext []byte, recipient string, sign bool) (*SealedBlob, error) {
	rcpt := NormalizeFingerprint(recipient)

	m.mu.RLock()
	to, ok := m.identities[rcpt]
	from := m.identities[m.self]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
	}

	signer := ""
	if sign {
		if from == nil || from.signPrivate == nil {
			return nil, fmt.Errorf("%w: no secret key for signing identity %q", ErrSealing, m.self)
		}
		signer = m.self
	}

	ciphertext, err := box.SealAnonymous(nil, plaintext, to.boxPublic, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealing, err)
	}

	if len(rcpt) > 255 || len(signer) > 255 || uint64(len(ciphertext)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: message too large", ErrSealing)
	}

	var buf bytes.Buffer
	buf.Write(memoryMagic)
	buf.WriteByte(byte(len(rcpt)))
	buf.WriteString(rcpt)
	buf.WriteByte(byte(len(signer)))
	buf.WriteString(signer)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))) // #nosec G115 - bounded above
	buf.Write(ciphertext)

	if sign {
		buf.Write(ed25519.Sign(from.signPrivate, buf.Bytes()))
	}

	return &SealedBlob{
		Recipient: rcpt,
		Signed:    sign,
		Signer:    signer,
		Data:      pem.EncodeToMemory(&pem.Block{Type: memoryBlockType, Bytes: buf.Bytes()}),
	}, nil
}

// Open decrypts a blob produced by Seal.
func (m *Memory) Open(blob *SealedBlob) ([]byte, error) {
	frame, err := decodeMemoryMessage(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	msg, err := parseMemoryMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	m.mu.RLock()
	to := m.identities[msg.recipient]
	from := m.identities[msg.signer]
	m.mu.RUnlock()

	if to == nil || to.boxPrivate == nil {
		return nil, fmt.Errorf("%w: no secret key for %s", ErrDecryption, msg.recipient)
	}

	if msg.signer != "" {
		if from == nil {
			if blob.Signed {
				return nil, fmt.Errorf("%w: signed by unknown identity %s", ErrSignatureVerification, msg.signer)
			}
		} else if !ed25519.Verify(from.signPublic, msg.signed, msg.signature) {
			return nil, fmt.Errorf("%w: bad signature from %s", ErrSignatureVerification, msg.signer)
		}
	} else if blob.Signed {
		return nil, fmt.Errorf("%w: message is not signed", ErrSignatureVerification)
	}

	if blob.Signer != "" && msg.signer != NormalizeFingerprint(blob.Signer) {
		return nil, fmt.Errorf("%w: not signed by %s", ErrSignatureVerification, blob.Signer)
	}

	plaintext, ok := box.OpenAnonymous(nil, msg.ciphertext, to.boxPublic, to.boxPrivate)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext rejected", ErrDecryption)
	}

	return plaintext, nil
}

type memoryMessage struct {
	recipient  string
	signer     string
	ciphertext []byte
	signed     []byte
	signature  []byte
}

var errMalformed = errors.New("malformed message")

// decodeMemoryMessage unwraps the single PEM block of a sealed blob.
func decodeMemoryMessage(data []byte) ([]byte, error) {
	block, rest := pem.Decode(data)
	if block == nil || block.Type != memoryBlockType || len(block.Headers) > 0 {
		return nil, errMalformed
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, errMalformed
	}
	return block.Bytes, nil
}

func parseMemoryMessage(data []byte) (*memoryMessage, error) {
	if !bytes.HasPrefix(data, memoryMagic) {
		return nil, errMalformed
	}

	rest := data[len(memoryMagic):]
	next := func(n int) ([]byte, error) {
		if n < 0 || n > len(rest) {
			return nil, errMalformed
		}
		b := rest[:n]
		rest = rest[n:]
		return b, nil
	}

	msg := &memoryMessage{}

	for _, field := range []*string{&msg.recipient, &msg.signer} {
		l, err := next(1)
		if err != nil {
			return nil, err
		}
		v, err := next(int(l[0]))
		if err != nil {
			return nil, err
		}
		*field = string(v)
	}

	l, err := next(4)
	if err != nil {
		return nil, err
	}
	if msg.ciphertext, err = next(int(binary.BigEndian.Uint32(l))); err != nil {
		return nil, err
	}

	msg.signed = data[:len(data)-len(rest)]

	switch {
	case msg.signer == "" && len(rest) == 0:
	case msg.signer != "" && len(rest) == ed25519.SignatureSize:
		msg.signature = rest
	default:
		return nil, errMalformed
	}

	return msg, nil
}
