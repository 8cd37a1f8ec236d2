// Package codesign builds and dissects the embedded code signature of
// Mach-O binaries: the SuperBlob envelope, its CodeDirectory,
// requirements, entitlements, and the CMS signature over the
// CodeDirectory.
package codesign

import (
	"fmt"

	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
	"github.com/appsworld/go-codesign/pkg/macho"
	mtypes "github.com/appsworld/go-codesign/types"
)

// CodeSignature is the parsed view of an embedded signature.
type CodeSignature struct {
	CodeDirectories []cstypes.CodeDirectory
	Requirements    *cstypes.RequirementSet
	Entitlements    string
	EntitlementsDER []byte
	CMSSignature    []byte

	// Slots lists the occupied slots in index order.
	Slots []cstypes.SlotType
}

// ParseCodeSignature parses the LC_CODE_SIGNATURE region data.
func ParseCodeSignature(cmddat []byte) (*CodeSignature, error) {
	sb, err := ParseSuperBlob(cmddat)
	if err != nil {
		return nil, err
	}

	cs := &CodeSignature{Slots: sb.Slots()}
	for _, slot := range cs.Slots {
		blob, _ := sb.Blob(slot)

		switch {
		case slot == cstypes.CSSLOT_CODEDIRECTORY ||
			(slot >= cstypes.CSSLOT_ALTERNATE_CODEDIRECTORIES && slot < cstypes.CSSLOT_ALTERNATE_CODEDIRECTORY_LIMIT):
			cd, err := cstypes.ParseCodeDirectory(blob.Bytes())
			if err != nil {
				return nil, fmt.Errorf("slot %s: %w", slot, err)
			}
			cs.CodeDirectories = append(cs.CodeDirectories, *cd)
		case slot == cstypes.CSSLOT_REQUIREMENTS:
			rs, err := cstypes.ParseRequirementSet(blob.Bytes())
			if err != nil {
				return nil, fmt.Errorf("slot %s: %w", slot, err)
			}
			cs.Requirements = rs
		case slot == cstypes.CSSLOT_ENTITLEMENTS:
			cs.Entitlements = string(blob.Data)
		case slot == cstypes.CSSLOT_ENTITLEMENTS_DER:
			cs.EntitlementsDER = blob.Data
		case slot == cstypes.CSSLOT_CMS_SIGNATURE:
			// NOTE: openssl pkcs7 -inform DER -in <data> -print_certs -text -noout
			cs.CMSSignature = blob.Data
		}
	}
	if len(cs.CodeDirectories) == 0 {
		return nil, fmt.Errorf("signature carries no CodeDirectory")
	}
	return cs, nil
}

// Extract pulls the embedded signature out of a thin Mach-O image and
// parses it. Returns macho.ErrNoSignatureRegion when the binary carries
// no LC_CODE_SIGNATURE.
func Extract(data []byte) (*CodeSignature, error) {
	view, err := macho.Load(data)
	if err != nil {
		return nil, err
	}
	sig, err := view.Signature()
	if err != nil {
		return nil, err
	}
	return ParseCodeSignature(sig)
}

// ExtractRaw returns the raw SuperBlob bytes of a thin Mach-O image.
func ExtractRaw(data []byte) ([]byte, error) {
	view, err := macho.Load(data)
	if err != nil {
		return nil, err
	}
	return view.Signature()
}

// ComputeCodeHashes page-hashes a thin binary up to its code limit,
// without signing it.
func ComputeCodeHashes(data []byte, ht cstypes.HashType, pageLog2 uint8) ([][]byte, error) {
	view, err := macho.Load(data)
	if err != nil {
		return nil, err
	}
	if pageLog2 == 0 {
		pageLog2 = 12
	}
	pageSize := int(1) << pageLog2
	code := view.Bytes()[:view.CodeLimit()]

	nPages := int(mtypes.RoundUp(uint64(len(code)), uint64(pageSize))) / pageSize
	hashes := make([][]byte, 0, nPages)
	for off := 0; off < len(code); off += pageSize {
		end := off + pageSize
		if end > len(code) {
			end = len(code)
		}
		sum, err := ht.Digest(code[off:end])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, sum)
	}
	return hashes, nil
}
