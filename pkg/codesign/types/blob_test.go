package types

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBlobRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		magic Magic
		data  []byte
	}{
		{"empty payload", MAGIC_BLOBWRAPPER, nil},
		{"entitlements", MAGIC_EMBEDDED_ENTITLEMENTS, []byte("<plist/>")},
		{"requirement", MAGIC_REQUIREMENT, []byte{0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := NewBlob(tt.magic, tt.data).Bytes()
			got, err := ParseBlob(framed)
			if err != nil {
				t.Fatalf("ParseBlob() = %v", err)
			}
			if got.Magic != tt.magic {
				t.Errorf("magic = %s, want %s", got.Magic, tt.magic)
			}
			if diff := cmp.Diff(tt.data, got.Data, cmp.Comparer(bytes.Equal)); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
			if got.Length() != uint32(len(framed)) {
				t.Errorf("Length() = %d, want %d", got.Length(), len(framed))
			}
		})
	}
}

func TestParseBlobTruncated(t *testing.T) {
	framed := NewBlob(MAGIC_BLOBWRAPPER, make([]byte, 32)).Bytes()

	if _, err := ParseBlob(framed[:6]); !errors.Is(err, ErrBlobTruncated) {
		t.Errorf("short header: got %v, want ErrBlobTruncated", err)
	}
	if _, err := ParseBlob(framed[:20]); !errors.Is(err, ErrBlobTruncated) {
		t.Errorf("short payload: got %v, want ErrBlobTruncated", err)
	}
}

func TestParseBlobMagic(t *testing.T) {
	framed := NewBlob(MAGIC_BLOBWRAPPER, []byte("sig")).Bytes()
	if _, err := ParseBlobMagic(framed, MAGIC_CODEDIRECTORY); !errors.Is(err, ErrBlobBadMagic) {
		t.Errorf("got %v, want ErrBlobBadMagic", err)
	}
	if _, err := ParseBlobMagic(framed, MAGIC_BLOBWRAPPER); err != nil {
		t.Errorf("matching magic: %v", err)
	}
}

func TestBlobDigestCoversFraming(t *testing.T) {
	blob := NewBlob(MAGIC_EMBEDDED_ENTITLEMENTS, []byte("payload"))
	got, err := blob.Digest(HASHTYPE_SHA256)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(blob.Bytes())
	if !bytes.Equal(got, want[:]) {
		t.Errorf("Digest() hashed the bare payload; it must cover the framed bytes")
	}
}
