package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/appsworld/go-codesign/internal/machotest"
)

func TestLoadThin64(t *testing.T) {
	data := machotest.Thin64(131072, 16384)
	v, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}

	segs := v.Segments()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Name != "__TEXT" || segs[1].Name != "__LINKEDIT" {
		t.Errorf("segments = %s, %s", segs[0].Name, segs[1].Name)
	}
	if segs[1].Offset != 131072-16384 {
		t.Errorf("__LINKEDIT offset = %d", segs[1].Offset)
	}

	if _, _, ok := v.SignatureRegion(); ok {
		t.Error("unsigned binary reports a signature region")
	}
	if got := v.CodeLimit(); got != 131072 {
		t.Errorf("CodeLimit() = %d, want 131072 (end of __LINKEDIT)", got)
	}
	if !v.IsMainExecutable() {
		t.Error("MH_EXECUTE image not recognized as main executable")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	if _, err := Load([]byte{1, 2, 3}); !errors.Is(err, ErrBinaryMalformed) {
		t.Errorf("tiny input: got %v, want ErrBinaryMalformed", err)
	}
	data := make([]byte, 4096)
	binary.BigEndian.PutUint32(data, 0xdeadbeef)
	if _, err := Load(data); !errors.Is(err, ErrBinaryMalformed) {
		t.Errorf("bad magic: got %v, want ErrBinaryMalformed", err)
	}
	if _, err := Load(machotest.Fat(12, []uint32{0x0100000c}, machotest.Thin64(8192, 4096))); !errors.Is(err, ErrUnsupportedMachOVariant) {
		t.Errorf("fat to thin loader: got %v, want ErrUnsupportedMachOVariant", err)
	}
}

func TestPrepareForSignature(t *testing.T) {
	data := machotest.Thin64(131072, 16384)
	v, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}
	codeLimit := v.CodeLimit()

	const sigSize = 5000
	if err := v.PrepareForSignature(sigSize); err != nil {
		t.Fatal(err)
	}

	off, size, ok := v.SignatureRegion()
	if !ok {
		t.Fatal("no signature region after PrepareForSignature")
	}
	if uint64(off) != codeLimit {
		t.Errorf("signature offset = %#x, want code limit %#x", off, codeLimit)
	}
	if size != sigSize {
		t.Errorf("signature size = %d, want %d", size, sigSize)
	}
	if got := v.CodeLimit(); got != codeLimit {
		t.Errorf("CodeLimit moved to %#x during rewrite", got)
	}
	if len(v.Bytes()) != int(codeLimit)+sigSize {
		t.Errorf("file is %d bytes, want %d", len(v.Bytes()), int(codeLimit)+sigSize)
	}

	// Reload the rewritten image: the synthesized load command must
	// parse, and __LINKEDIT must extend to the new end of file.
	v2, err := Load(v.Bytes())
	if err != nil {
		t.Fatalf("rewritten image does not parse: %v", err)
	}
	le := v2.Segments()[1]
	if le.Offset+le.Filesz != uint64(len(v2.Bytes())) {
		t.Errorf("__LINKEDIT ends at %d, file ends at %d", le.Offset+le.Filesz, len(v2.Bytes()))
	}
	if le.Memsz != roundUpTest(le.Filesz, 0x1000) {
		t.Errorf("__LINKEDIT vmsize %d not page rounded", le.Memsz)
	}
}

func roundUpTest(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

func TestPrepareForSignatureReplacesLarger(t *testing.T) {
	data := machotest.Thin64(131072, 16384)
	v, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.PrepareForSignature(9000); err != nil {
		t.Fatal(err)
	}
	firstLen := len(v.Bytes())

	// Re-signing with a smaller signature shrinks __LINKEDIT again.
	v2, err := Load(v.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if err := v2.PrepareForSignature(2000); err != nil {
		t.Fatal(err)
	}
	if got, want := len(v2.Bytes()), firstLen-7000; got != want {
		t.Errorf("file is %d bytes after re-sign, want %d", got, want)
	}
	off, _, _ := v2.SignatureRegion()
	if uint64(off) != v2.CodeLimit() {
		t.Errorf("signature offset %#x != code limit %#x", off, v2.CodeLimit())
	}
}

func TestPrepareForSignatureOverflow(t *testing.T) {
	// __LINKEDIT starts right after the load commands, leaving no room
	// to synthesize LC_CODE_SIGNATURE.
	data := machotest.Thin64(4096, 4096-32-2*72)
	v, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.PrepareForSignature(100); !errors.Is(err, ErrLoadCommandOverflow) {
		t.Errorf("got %v, want ErrLoadCommandOverflow", err)
	}
}

func TestPatchAndSignature(t *testing.T) {
	v, err := Load(machotest.Thin64(65536, 8192))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Signature(); !errors.Is(err, ErrNoSignatureRegion) {
		t.Errorf("unsigned: got %v, want ErrNoSignatureRegion", err)
	}

	if err := v.PrepareForSignature(64); err != nil {
		t.Fatal(err)
	}
	sig := bytes.Repeat([]byte{0xab}, 64)
	if err := v.Patch(sig); err != nil {
		t.Fatal(err)
	}
	got, err := v.Signature()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sig) {
		t.Error("Signature() does not return the patched bytes")
	}

	if err := v.Patch(sig[:10]); err == nil {
		t.Error("expected error patching with wrong-sized signature")
	}
}

func TestFatRoundTrip(t *testing.T) {
	s1 := machotest.Thin64(32768, 8192)
	s2 := machotest.Thin64(16384, 4096)
	data := machotest.Fat(12, []uint32{0x01000007, 0x0100000c}, s1, s2)

	if !IsFat(data) {
		t.Fatal("IsFat() = false")
	}
	f, err := ParseFat(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Arches) != 2 {
		t.Fatalf("got %d arches, want 2", len(f.Arches))
	}
	if !bytes.Equal(f.Slice(0), s1) || !bytes.Equal(f.Slice(1), s2) {
		t.Error("slices do not round trip")
	}

	// Same-size rebuild keeps offsets.
	rebuilt, err := RebuildFat(f.Arches, [][]byte{s1, s2})
	if err != nil {
		t.Fatal(err)
	}
	f2, err := ParseFat(rebuilt)
	if err != nil {
		t.Fatal(err)
	}
	for i := range f.Arches {
		if f2.Arches[i].Offset != f.Arches[i].Offset {
			t.Errorf("arch %d offset moved from %d to %d", i, f.Arches[i].Offset, f2.Arches[i].Offset)
		}
	}
}

func TestRebuildFatGrownSlice(t *testing.T) {
	s1 := machotest.Thin64(32768, 8192)
	s2 := machotest.Thin64(16384, 4096)
	data := machotest.Fat(12, []uint32{0x01000007, 0x0100000c}, s1, s2)
	f, err := ParseFat(data)
	if err != nil {
		t.Fatal(err)
	}

	// Grow slice 0 past slice 1's offset; offsets must be recomputed on
	// the original alignment.
	grown := append(append([]byte{}, s1...), make([]byte, 8192)...)
	rebuilt, err := RebuildFat(f.Arches, [][]byte{grown, s2})
	if err != nil {
		t.Fatal(err)
	}
	f2, err := ParseFat(rebuilt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f2.Slice(0), grown) || !bytes.Equal(f2.Slice(1), s2) {
		t.Error("slices corrupted by rebuild")
	}
	for i, a := range f2.Arches {
		if a.Offset%(1<<a.Align) != 0 {
			t.Errorf("arch %d offset %d not aligned to %d", i, a.Offset, 1<<a.Align)
		}
	}
}
