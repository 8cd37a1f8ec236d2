package types

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	mtypes "github.com/appsworld/go-codesign/types"
)

var ErrUnsupportedHash = errors.New("unsupported hash type")

type HashType uint8

const (
	HASHTYPE_NOHASH           HashType = 0
	HASHTYPE_SHA1             HashType = 1
	HASHTYPE_SHA256           HashType = 2
	HASHTYPE_SHA256_TRUNCATED HashType = 3
	HASHTYPE_SHA384           HashType = 4
	HASHTYPE_SHA512           HashType = 5

	HASH_SIZE_SHA1             = 20
	HASH_SIZE_SHA256           = 32
	HASH_SIZE_SHA256_TRUNCATED = 20

	CDHASH_LEN    = 20 /* always - larger hashes are truncated */
	HASH_MAX_SIZE = 48 /* cs_blobs.h maximum; SHA-512 digests (64 bytes) exceed it */
)

var hashTypeStrings = []mtypes.IntName{
	{I: uint32(HASHTYPE_NOHASH), S: "No Hash"},
	{I: uint32(HASHTYPE_SHA1), S: "Sha1"},
	{I: uint32(HASHTYPE_SHA256), S: "Sha256"},
	{I: uint32(HASHTYPE_SHA256_TRUNCATED), S: "Sha256 (Truncated)"},
	{I: uint32(HASHTYPE_SHA384), S: "Sha384"},
	{I: uint32(HASHTYPE_SHA512), S: "Sha512"},
}

func (h HashType) String() string   { return mtypes.StringName(uint32(h), hashTypeStrings, false) }
func (h HashType) GoString() string { return mtypes.StringName(uint32(h), hashTypeStrings, true) }

// Size returns the emitted digest size in bytes, 0 for unknown kinds.
func (h HashType) Size() int {
	switch h {
	case HASHTYPE_SHA1, HASHTYPE_SHA256_TRUNCATED:
		return 20
	case HASHTYPE_SHA256:
		return 32
	case HASHTYPE_SHA384:
		return 48
	case HASHTYPE_SHA512:
		return 64
	default:
		return 0
	}
}

// Digest hashes data. SHA256_TRUNCATED emits the first 20 bytes of SHA-256.
func (h HashType) Digest(data []byte) ([]byte, error) {
	switch h {
	case HASHTYPE_SHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	case HASHTYPE_SHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case HASHTYPE_SHA256_TRUNCATED:
		sum := sha256.Sum256(data)
		return sum[:HASH_SIZE_SHA256_TRUNCATED], nil
	case HASHTYPE_SHA384:
		sum := sha512.Sum384(data)
		return sum[:], nil
	case HASHTYPE_SHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("hash type %s: %w", h, ErrUnsupportedHash)
	}
}

// CryptoHash maps to the stdlib hash used for signing operations.
func (h HashType) CryptoHash() (crypto.Hash, error) {
	switch h {
	case HASHTYPE_SHA1:
		return crypto.SHA1, nil
	case HASHTYPE_SHA256, HASHTYPE_SHA256_TRUNCATED:
		return crypto.SHA256, nil
	case HASHTYPE_SHA384:
		return crypto.SHA384, nil
	case HASHTYPE_SHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("hash type %s: %w", h, ErrUnsupportedHash)
	}
}

// DER DigestInfo prefixes per RFC 8017 §9.2 note 1.
var digestInfoPrefixes = map[HashType][]byte{
	HASHTYPE_SHA1: {
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14,
	},
	HASHTYPE_SHA256: {
		0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01,
		0x05, 0x00, 0x04, 0x20,
	},
	HASHTYPE_SHA384: {
		0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02,
		0x05, 0x00, 0x04, 0x30,
	},
	HASHTYPE_SHA512: {
		0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03,
		0x05, 0x00, 0x04, 0x40,
	},
}

// RSAPKCS1v15Encode wraps a pre-computed digest in its DER DigestInfo prefix
// and pads the result to modBits/8 bytes with the EMSA-PKCS1-v1_5 block
// format (0x00 0x01 0xff..0xff 0x00). Needed for smartcards whose raw sign
// primitive expects a fully padded block.
func RSAPKCS1v15Encode(digest []byte, ht HashType, modBits int) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[ht]
	if !ok {
		return nil, fmt.Errorf("hash type %s has no DigestInfo encoding: %w", ht, ErrUnsupportedHash)
	}
	k := modBits / 8
	tLen := len(prefix) + len(digest)
	if k < tLen+11 {
		return nil, fmt.Errorf("%d-bit modulus too small for %s DigestInfo", modBits, ht)
	}
	out := make([]byte, k)
	out[1] = 0x01
	for i := 2; i < k-tLen-1; i++ {
		out[i] = 0xff
	}
	copy(out[k-tLen:], prefix)
	copy(out[k-len(digest):], digest)
	return out, nil
}
