// Package identity abstracts the entity that produces the CMS signature:
// an in-process private key or a PIN-gated PIV smartcard. The signing
// pipeline only sees the Identity capability set and stays blind to the
// mechanism behind it.
package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
)

var (
	ErrUnsupportedKeyAlgorithm = errors.New("unsupported key algorithm")
	ErrSigningFailed           = errors.New("signing operation failed")
)

// Signature algorithm identifiers handed back to the CMS layer.
var (
	OIDSignatureSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSignatureSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDSignatureECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
)

type KeyAlgorithm int

const (
	Rsa1024 KeyAlgorithm = iota + 1
	Rsa2048
	Rsa3072
	Rsa4096
	EcdsaP256
	EcdsaP384
)

func (a KeyAlgorithm) String() string {
	switch a {
	case Rsa1024:
		return "rsa1024"
	case Rsa2048:
		return "rsa2048"
	case Rsa3072:
		return "rsa3072"
	case Rsa4096:
		return "rsa4096"
	case EcdsaP256:
		return "ecdsa-p256"
	case EcdsaP384:
		return "ecdsa-p384"
	default:
		return fmt.Sprintf("KeyAlgorithm(%d)", int(a))
	}
}

// RSABits returns the modulus width, 0 for non-RSA algorithms.
func (a KeyAlgorithm) RSABits() int {
	switch a {
	case Rsa1024:
		return 1024
	case Rsa2048:
		return 2048
	case Rsa3072:
		return 3072
	case Rsa4096:
		return 4096
	default:
		return 0
	}
}

func (a KeyAlgorithm) hashType() cstypes.HashType {
	if a == EcdsaP384 {
		return cstypes.HASHTYPE_SHA384
	}
	return cstypes.HASHTYPE_SHA256
}

func (a KeyAlgorithm) signatureOID() asn1.ObjectIdentifier {
	switch a {
	case EcdsaP256:
		return OIDSignatureECDSAWithSHA256
	case EcdsaP384:
		return OIDSignatureECDSAWithSHA384
	default:
		return OIDSignatureSHA256WithRSA
	}
}

// rawSignatureBound is the largest signature the raw primitive can emit.
func (a KeyAlgorithm) rawSignatureBound() int {
	switch a {
	case Rsa1024, Rsa2048, Rsa3072, Rsa4096:
		return a.RSABits() / 8
	case EcdsaP256:
		// two 32-byte scalars plus DER framing
		return 2*32 + 16
	case EcdsaP384:
		return 2*48 + 16
	default:
		return 0
	}
}

// Identity is the signing capability set the orchestrator depends on.
type Identity interface {
	Algorithm() KeyAlgorithm

	// Certificate is the signing (leaf) certificate.
	Certificate() *x509.Certificate

	// CertificateChain lists the certificates embedded in the CMS
	// envelope, leaf first.
	CertificateChain() []*x509.Certificate

	// Sign signs message and reports the signature algorithm used.
	Sign(ctx context.Context, message []byte) ([]byte, asn1.ObjectIdentifier, error)

	// MaxSignatureSize bounds the CMS SignedData this identity can
	// produce. The signature placeholder is sized from it and is never
	// resized, so underestimating is a bug in the identity.
	MaxSignatureSize() int
}

// ClassifyPublicKey maps a certificate public key onto the closed
// KeyAlgorithm set.
func ClassifyPublicKey(pub crypto.PublicKey) (KeyAlgorithm, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		// The on-card modulus carries a leading zero octet, so DER
		// lengths run one past the byte width (129, 257, 385, 513).
		switch k.N.BitLen() {
		case 1024:
			return Rsa1024, nil
		case 2048:
			return Rsa2048, nil
		case 3072:
			return Rsa3072, nil
		case 4096:
			return Rsa4096, nil
		default:
			return 0, fmt.Errorf("cannot classify %d-bit RSA modulus: %w", k.N.BitLen(), ErrUnsupportedKeyAlgorithm)
		}
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return EcdsaP256, nil
		case elliptic.P384():
			return EcdsaP384, nil
		default:
			return 0, fmt.Errorf("ECDSA curve %s: %w", k.Curve.Params().Name, ErrUnsupportedKeyAlgorithm)
		}
	case ed25519.PublicKey:
		return 0, fmt.Errorf("ed25519: %w", ErrUnsupportedKeyAlgorithm)
	default:
		return 0, fmt.Errorf("key type %T: %w", pub, ErrUnsupportedKeyAlgorithm)
	}
}

// maxCMSSize bounds the whole SignedData envelope: the raw signature,
// the embedded certificate chain, attributes and ASN.1 framing.
func maxCMSSize(alg KeyAlgorithm, chain []*x509.Certificate) int {
	const envelopeOverhead = 2048
	size := alg.rawSignatureBound() + envelopeOverhead
	for _, cert := range chain {
		size += len(cert.Raw)
	}
	return size
}

// InProcess signs with decoded private key material.
type InProcess struct {
	key   crypto.Signer
	cert  *x509.Certificate
	chain []*x509.Certificate
	alg   KeyAlgorithm
}

// NewInProcess builds an in-process identity. chain lists additional
// certificates (intermediates, root) beyond the leaf.
func NewInProcess(key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate) (*InProcess, error) {
	alg, err := ClassifyPublicKey(key.Public())
	if err != nil {
		return nil, err
	}
	return &InProcess{key: key, cert: cert, chain: chain, alg: alg}, nil
}

func (p *InProcess) Algorithm() KeyAlgorithm { return p.alg }

func (p *InProcess) Certificate() *x509.Certificate { return p.cert }

func (p *InProcess) CertificateChain() []*x509.Certificate {
	return append([]*x509.Certificate{p.cert}, p.chain...)
}

func (p *InProcess) MaxSignatureSize() int {
	return maxCMSSize(p.alg, p.CertificateChain())
}

func (p *InProcess) Sign(ctx context.Context, message []byte) ([]byte, asn1.ObjectIdentifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ht := p.alg.hashType()
	digest, err := ht.Digest(message)
	if err != nil {
		return nil, nil, err
	}
	ch, err := ht.CryptoHash()
	if err != nil {
		return nil, nil, err
	}
	sig, err := p.key.Sign(rand.Reader, digest, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, p.alg.signatureOID(), nil
}
