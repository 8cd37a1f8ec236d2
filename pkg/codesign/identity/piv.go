package identity

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"sync"

	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
	"zombiezen.com/go/log"
)

var (
	// ErrAuthenticationRequired is returned by a Device when the card
	// refuses to sign until a PIN is verified.
	ErrAuthenticationRequired = errors.New("smartcard authentication required")

	ErrSmartcardAuth = errors.New("smartcard authentication failed")
	ErrDeviceBusy    = errors.New("smartcard device busy")
)

// maxPinAttempts bounds PIN resolutions per Sign invocation. Cards
// typically block after three wrong PINs, so we never push past that.
const maxPinAttempts = 3

// SlotID names a PIV key slot (NIST SP 800-73).
type SlotID uint8

const (
	AuthenticationSlot     SlotID = 0x9a
	SignatureSlot          SlotID = 0x9c
	KeyManagementSlot      SlotID = 0x9d
	CardAuthenticationSlot SlotID = 0x9e
)

func (s SlotID) String() string { return fmt.Sprintf("%#x", uint8(s)) }

// Device is the raw PIV card transport. Implementations exchange APDUs
// with one physical card and are not safe for concurrent use; access
// goes through a SharedDevice.
//
// SignData must hand data to the card's sign primitive unmodified: for
// RSA the caller already applied PKCS#1 v1.5 padding at the full
// modulus width, for ECDSA data is the bare digest. The card must not
// pad again. A card demanding PIN verification returns an error
// matching ErrAuthenticationRequired.
type Device interface {
	SignData(slot SlotID, alg KeyAlgorithm, data []byte) ([]byte, error)
	VerifyPIN(pin []byte) error
	Certificate(slot SlotID) (*x509.Certificate, error)
}

// SharedDevice wraps a Device for shared ownership between the
// top-level identity and per-signing signers. Any APDU exchange
// requires exclusive acquisition; contention is rejected rather than
// queued, since signing is interactive and a queue would stack PIN
// prompts.
type SharedDevice struct {
	mu  sync.Mutex
	dev Device
}

func NewSharedDevice(dev Device) *SharedDevice {
	return &SharedDevice{dev: dev}
}

func (s *SharedDevice) acquire() (Device, func(), error) {
	if !s.mu.TryLock() {
		return nil, nil, ErrDeviceBusy
	}
	return s.dev, s.mu.Unlock, nil
}

// Certificate reads the certificate stored in a slot.
func (s *SharedDevice) Certificate(slot SlotID) (*x509.Certificate, error) {
	dev, release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return dev.Certificate(slot)
}

// PIV signs with a key held on a PIV smartcard.
type PIV struct {
	dev        *SharedDevice
	slot       SlotID
	cert       *x509.Certificate
	chain      []*x509.Certificate
	resolvePin PinResolver
	alg        KeyAlgorithm
}

// NewPIV builds a smartcard identity for the key in slot. cert must be
// the certificate stored on the card for that slot; resolvePin may be
// nil, in which case an authentication demand from the card fails
// immediately.
func NewPIV(dev *SharedDevice, slot SlotID, cert *x509.Certificate, chain []*x509.Certificate, resolvePin PinResolver) (*PIV, error) {
	alg, err := ClassifyPublicKey(cert.PublicKey)
	if err != nil {
		return nil, err
	}
	return &PIV{
		dev:        dev,
		slot:       slot,
		cert:       cert,
		chain:      chain,
		resolvePin: resolvePin,
		alg:        alg,
	}, nil
}

func (p *PIV) Algorithm() KeyAlgorithm { return p.alg }

func (p *PIV) Certificate() *x509.Certificate { return p.cert }

func (p *PIV) CertificateChain() []*x509.Certificate {
	return append([]*x509.Certificate{p.cert}, p.chain...)
}

func (p *PIV) MaxSignatureSize() int {
	return maxCMSSize(p.alg, p.CertificateChain())
}

// signingInput prepares what goes over the wire to the card: the bare
// digest for ECDSA, the PKCS#1 v1.5 padded DigestInfo at modulus width
// for RSA.
func (p *PIV) signingInput(message []byte) ([]byte, error) {
	ht := p.alg.hashType()
	digest, err := ht.Digest(message)
	if err != nil {
		return nil, err
	}
	if bits := p.alg.RSABits(); bits > 0 {
		return cstypes.RSAPKCS1v15Encode(digest, ht, bits)
	}
	return digest, nil
}

// Sign drives the card through sign attempts, resolving and verifying a
// PIN between attempts when the card demands authentication. At most
// maxPinAttempts PINs are resolved, so the card sees up to
// maxPinAttempts+1 sign attempts. Cancellation is honored between
// attempts; an in-flight card exchange always completes.
func (p *PIV) Sign(ctx context.Context, message []byte) ([]byte, asn1.ObjectIdentifier, error) {
	data, err := p.signingInput(message)
	if err != nil {
		return nil, nil, err
	}

	dev, release, err := p.dev.acquire()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		sig, err := dev.SignData(p.slot, p.alg, data)
		if err == nil {
			return sig, p.alg.signatureOID(), nil
		}
		if !errors.Is(err, ErrAuthenticationRequired) {
			return nil, nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		if attempt == maxPinAttempts {
			// That was our last attempt. Give up now.
			return nil, nil, ErrSmartcardAuth
		}
		log.Warnf(ctx, "device refused to sign due to authentication error (attempt %d/%d)", attempt+1, maxPinAttempts)

		if p.resolvePin == nil {
			log.Warnf(ctx, "no PIN resolver configured; future attempts will fail; giving up")
			return nil, nil, ErrSmartcardAuth
		}
		pin, err := p.resolvePin()
		if err != nil {
			return nil, nil, fmt.Errorf("error retrieving device pin: %v: %w", err, ErrSmartcardAuth)
		}
		err = dev.VerifyPIN(pin)
		Zeroize(pin)
		if err != nil {
			// The sign attempt is not repeated for a failed verify;
			// the next loop iteration issues both again.
			log.Warnf(ctx, "pin verification failure: %v", err)
			continue
		}
		log.Debugf(ctx, "pin verification successful")
	}
}
