package types

import (
	"bytes"
	"testing"
)

func testCode(n int) []byte {
	code := make([]byte, n)
	for i := range code {
		code[i] = byte(i * 13)
	}
	return code
}

func TestBuildCodeDirectoryPageCounts(t *testing.T) {
	tests := []struct {
		name      string
		codeLen   int
		wantSlots uint32
	}{
		{"short final page", 4096*2 + 100, 3},
		{"exact multiple", 4096 * 4, 4},
		{"single partial page", 100, 1},
		{"empty", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := BuildCodeDirectory(&CodeDirectoryParams{
				ID:       "com.example.app",
				HashType: HASHTYPE_SHA256,
				Code:     testCode(tt.codeLen),
			})
			if err != nil {
				t.Fatal(err)
			}
			cd, err := ParseCodeDirectory(blob.Bytes())
			if err != nil {
				t.Fatal(err)
			}
			if cd.Header.NCodeSlots != tt.wantSlots {
				t.Errorf("NCodeSlots = %d, want %d", cd.Header.NCodeSlots, tt.wantSlots)
			}
			if got := len(cd.CodeSlots); got != int(tt.wantSlots) {
				t.Errorf("parsed %d code slots, want %d", got, tt.wantSlots)
			}
			if cd.CodeLimit != uint64(tt.codeLen) {
				t.Errorf("CodeLimit = %d, want %d", cd.CodeLimit, tt.codeLen)
			}
		})
	}
}

func TestCodeDirectoryPageHashes(t *testing.T) {
	code := testCode(4096 + 1000)
	blob, err := BuildCodeDirectory(&CodeDirectoryParams{
		ID:       "com.example.app",
		HashType: HASHTYPE_SHA256,
		Code:     code,
	})
	if err != nil {
		t.Fatal(err)
	}
	cd, err := ParseCodeDirectory(blob.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	page0, _ := HASHTYPE_SHA256.Digest(code[:4096])
	page1, _ := HASHTYPE_SHA256.Digest(code[4096:]) // final page is short
	if !bytes.Equal(cd.CodeSlots[0].Hash, page0) {
		t.Errorf("page 0 hash mismatch")
	}
	if !bytes.Equal(cd.CodeSlots[1].Hash, page1) {
		t.Errorf("short final page hash mismatch")
	}
}

func TestCodeDirectorySpecialSlots(t *testing.T) {
	reqFramed := NewRequirementSet().Blob().Bytes()
	entFramed := NewEntitlementsBlob([]byte("<plist/>")).Bytes()

	blob, err := BuildCodeDirectory(&CodeDirectoryParams{
		ID:       "com.example.app",
		HashType: HASHTYPE_SHA256,
		Code:     testCode(4096),
		SpecialSlots: map[SlotType][]byte{
			CSSLOT_REQUIREMENTS: reqFramed,
			CSSLOT_ENTITLEMENTS: entFramed,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	cd, err := ParseCodeDirectory(blob.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if cd.Header.NSpecialSlots != 5 {
		t.Fatalf("NSpecialSlots = %d, want 5 (the highest present slot)", cd.Header.NSpecialSlots)
	}

	// SpecialSlots parse highest index first.
	byIndex := map[uint32][]byte{}
	for _, s := range cd.SpecialSlots {
		byIndex[s.Index] = s.Hash
	}
	wantReq, _ := HASHTYPE_SHA256.Digest(reqFramed)
	wantEnt, _ := HASHTYPE_SHA256.Digest(entFramed)
	if !bytes.Equal(byIndex[uint32(CSSLOT_REQUIREMENTS)], wantReq) {
		t.Errorf("requirements slot hash does not cover the framed blob")
	}
	if !bytes.Equal(byIndex[uint32(CSSLOT_ENTITLEMENTS)], wantEnt) {
		t.Errorf("entitlements slot hash does not cover the framed blob")
	}
	zero := make([]byte, 32)
	for _, idx := range []uint32{1, 3, 4} {
		if !bytes.Equal(byIndex[idx], zero) {
			t.Errorf("absent slot %d hashes as %x, want all zero", idx, byIndex[idx])
		}
	}
}

func TestCodeDirectoryHashOffsetAnchor(t *testing.T) {
	blob, err := BuildCodeDirectory(&CodeDirectoryParams{
		ID:       "com.example.app",
		TeamID:   "ABCDE12345",
		HashType: HASHTYPE_SHA256,
		Code:     testCode(4096 * 2),
		SpecialSlots: map[SlotType][]byte{
			CSSLOT_REQUIREMENTS: NewRequirementSet().Blob().Bytes(),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	framed := blob.Bytes()
	cd, err := ParseCodeDirectory(framed)
	if err != nil {
		t.Fatal(err)
	}

	// HashOffset points at code slot 0, not at the table start.
	page0, _ := HASHTYPE_SHA256.Digest(testCode(4096 * 2)[:4096])
	at := framed[cd.Header.HashOffset : cd.Header.HashOffset+32]
	if !bytes.Equal(at, page0) {
		t.Errorf("bytes at HashOffset are not page 0's hash")
	}
}

func TestCodeDirectorySizeMatchesBuild(t *testing.T) {
	params := &CodeDirectoryParams{
		ID:       "com.example.app",
		TeamID:   "ABCDE12345",
		HashType: HASHTYPE_SHA256,
		Code:     testCode(4096*3 + 17),
		SpecialSlots: map[SlotType][]byte{
			CSSLOT_REQUIREMENTS: NewRequirementSet().Blob().Bytes(),
			CSSLOT_ENTITLEMENTS: NewEntitlementsBlob([]byte("<plist/>")).Bytes(),
		},
	}
	blob, err := BuildCodeDirectory(params)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := blob.Length(), CodeDirectorySize(params); got != want {
		t.Errorf("built %d bytes, CodeDirectorySize predicted %d", got, want)
	}
}

func TestCodeDirectoryIdentity(t *testing.T) {
	blob, err := BuildCodeDirectory(&CodeDirectoryParams{
		ID:       "com.example.app",
		TeamID:   "ABCDE12345",
		Flags:    ADHOC | RUNTIME,
		HashType: HASHTYPE_SHA256,
		Code:     testCode(100),
	})
	if err != nil {
		t.Fatal(err)
	}
	cd, err := ParseCodeDirectory(blob.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if cd.ID != "com.example.app" {
		t.Errorf("ID = %q, want %q", cd.ID, "com.example.app")
	}
	if cd.TeamID != "ABCDE12345" {
		t.Errorf("TeamID = %q, want %q", cd.TeamID, "ABCDE12345")
	}
	if cd.Header.Flags != ADHOC|RUNTIME {
		t.Errorf("Flags = %s, want Adhoc|Runtime", cd.Header.Flags)
	}
}

func TestBuildCodeDirectoryRejectsBadInput(t *testing.T) {
	if _, err := BuildCodeDirectory(&CodeDirectoryParams{HashType: HASHTYPE_SHA256, Code: testCode(10)}); err == nil {
		t.Error("expected error for missing identifier")
	}
	if _, err := BuildCodeDirectory(&CodeDirectoryParams{ID: "x", HashType: HASHTYPE_NOHASH, Code: testCode(10)}); err == nil {
		t.Error("expected error for NOHASH")
	}
}
