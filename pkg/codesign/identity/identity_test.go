package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"
)

func selfSignedP256(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return key, cert
}

func TestClassifyPublicKey(t *testing.T) {
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rsa2048, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		pub  any
		want KeyAlgorithm
	}{
		{"p256", p256.Public(), EcdsaP256},
		{"p384", p384.Public(), EcdsaP384},
		{"rsa2048", rsa2048.Public(), Rsa2048},
	}
	for _, tt := range tests {
		got, err := ClassifyPublicKey(tt.pub)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClassifyPublicKeyRejectsEd25519(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ClassifyPublicKey(pub); !errors.Is(err, ErrUnsupportedKeyAlgorithm) {
		t.Errorf("got %v, want ErrUnsupportedKeyAlgorithm", err)
	}
}

func TestClassifyPublicKeyRejectsOddModulus(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1536)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ClassifyPublicKey(key.Public()); !errors.Is(err, ErrUnsupportedKeyAlgorithm) {
		t.Errorf("got %v, want ErrUnsupportedKeyAlgorithm", err)
	}
}

func TestInProcessSign(t *testing.T) {
	key, cert := selfSignedP256(t)
	id, err := NewInProcess(key, cert, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id.Algorithm() != EcdsaP256 {
		t.Errorf("Algorithm() = %s", id.Algorithm())
	}

	message := []byte("signed attributes")
	sig, oid, err := id.Sign(context.Background(), message)
	if err != nil {
		t.Fatal(err)
	}
	if !oid.Equal(OIDSignatureECDSAWithSHA256) {
		t.Errorf("signature OID = %v", oid)
	}
	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig) {
		t.Error("signature does not verify")
	}
	if len(sig) > id.MaxSignatureSize() {
		t.Errorf("raw signature %d bytes exceeds MaxSignatureSize %d", len(sig), id.MaxSignatureSize())
	}
}

func TestInProcessSignCancelled(t *testing.T) {
	key, cert := selfSignedP256(t)
	id, err := NewInProcess(key, cert, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := id.Sign(ctx, []byte("m")); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestMaxSignatureSizeCoversChain(t *testing.T) {
	key, cert := selfSignedP256(t)
	bare, err := NewInProcess(key, cert, nil)
	if err != nil {
		t.Fatal(err)
	}
	chained, err := NewInProcess(key, cert, []*x509.Certificate{cert, cert})
	if err != nil {
		t.Fatal(err)
	}
	if chained.MaxSignatureSize() <= bare.MaxSignatureSize() {
		t.Error("declared maximum does not grow with the certificate chain")
	}
}
