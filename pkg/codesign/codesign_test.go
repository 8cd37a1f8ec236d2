package codesign

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/appsworld/go-codesign/internal/machotest"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
	"github.com/appsworld/go-codesign/pkg/macho"
)

func TestExtractUnsigned(t *testing.T) {
	data := machotest.Thin64(65536, 8192)
	if _, err := Extract(data); !errors.Is(err, macho.ErrNoSignatureRegion) {
		t.Errorf("got %v, want ErrNoSignatureRegion", err)
	}
	if _, err := ExtractRaw(data); !errors.Is(err, macho.ErrNoSignatureRegion) {
		t.Errorf("raw: got %v, want ErrNoSignatureRegion", err)
	}
}

func TestComputeCodeHashes(t *testing.T) {
	data := machotest.Thin64(131072, 16384)
	hashes, err := ComputeCodeHashes(data, cstypes.HASHTYPE_SHA256, 12)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 32 {
		t.Fatalf("got %d hashes, want 32", len(hashes))
	}
	want := sha256.Sum256(data[:4096])
	if !bytes.Equal(hashes[0], want[:]) {
		t.Error("page 0 hash mismatch")
	}
}

func TestComputeCodeHashesMatchSignedDirectory(t *testing.T) {
	data := machotest.Thin64(65536, 8192)
	out, err := Sign(context.Background(), data, SignConfig{ID: "com.example.hashes"})
	if err != nil {
		t.Fatal(err)
	}
	hashes, err := ComputeCodeHashes(out, cstypes.HASHTYPE_SHA256, 12)
	if err != nil {
		t.Fatal(err)
	}
	cs, err := Extract(out)
	if err != nil {
		t.Fatal(err)
	}
	cd := cs.CodeDirectories[0]
	if len(hashes) != len(cd.CodeSlots) {
		t.Fatalf("%d computed hashes, %d code slots", len(hashes), len(cd.CodeSlots))
	}
	for i := range hashes {
		if !bytes.Equal(hashes[i], cd.CodeSlots[i].Hash) {
			t.Fatalf("page %d: computed hash differs from the embedded directory", i)
		}
	}
}

func TestParseCodeSignatureRejectsGarbage(t *testing.T) {
	if _, err := ParseCodeSignature([]byte("not a superblob")); err == nil {
		t.Error("expected error")
	}
}
