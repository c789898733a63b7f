// Package csr builds certificate signing requests bound to a configured identity.
package csr

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/wolfeidau/mtls/internal/config"
)

// SubjectFields lists the identity attributes in subject order.
var SubjectFields = []string{
	config.FieldCountry,
	config.FieldState,
	config.FieldLocality,
	config.FieldOrganizationName,
	config.FieldCommonName,
}

var (
	oidCountry      = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidProvince     = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidLocality     = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidOrganization = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidCommonName   = asn1.ObjectIdentifier{2, 5, 4, 3}
)

// Request is a signed certificate signing request.
type Request struct {
	DER []byte
	CSR *x509.CertificateRequest
}

// PEM returns the request as a PEM "CERTIFICATE REQUEST" block.
func (r *Request) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: r.DER})
}

// Subject returns the RDN sequence C, ST, L, O, CN for identity.
func Subject(identity config.Identity) (pkix.RDNSequence, error) {
	if err := identity.Require(SubjectFields...); err != nil {
		return nil, err
	}

	attrs := []struct {
		oid   asn1.ObjectIdentifier
		value string
	}{
		{oidCountry, identity.Country},
		{oidProvince, identity.State},
		{oidLocality, identity.Locality},
		{oidOrganization, identity.OrganizationName},
		{oidCommonName, identity.CommonName},
	}

	seq := make(pkix.RDNSequence, 0, len(attrs))
	for _, a := range attrs {
		seq = append(seq, pkix.RelativeDistinguishedNameSET{
			{Type: a.oid, Value: a.value},
		})
	}

	return seq, nil
}

// Build creates a CSR for identity signed by signer with a SHA-256 digest.
// Missing subject attributes fail before anything is signed.
func Build(identity config.Identity, signer crypto.Signer) (*Request, error) {
	seq, err := Subject(identity)
	if err != nil {
		return nil, err
	}

	rawSubject, err := asn1.Marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subject: %w", err)
	}

	algo, err := signatureAlgorithm(signer.Public())
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		RawSubject:         rawSubject,
		SignatureAlgorithm: algo,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate request: %w", err)
	}

	parsed, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate request: %w", err)
	}

	return &Request{DER: der, CSR: parsed}, nil
}

func signatureAlgorithm(pub crypto.PublicKey) (x509.SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, nil
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported public key type %T", pub)
	}
}
