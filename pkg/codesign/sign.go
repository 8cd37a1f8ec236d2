package codesign

import (
	"context"
	"errors"
	"fmt"

	"github.com/appsworld/go-codesign/pkg/codesign/cms"
	"github.com/appsworld/go-codesign/pkg/codesign/identity"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
	"github.com/appsworld/go-codesign/pkg/macho"
	"zombiezen.com/go/log"
)

var (
	// ErrSignatureTooLarge means the realized CMS exceeded the
	// identity's declared maximum, i.e. the identity's estimate is buggy.
	ErrSignatureTooLarge = errors.New("CMS signature exceeds the identity's declared maximum size")

	// ErrPlaceholderShrink guards the fixpoint: once the CodeDirectory
	// is hashed the envelope may never change size.
	ErrPlaceholderShrink = errors.New("signature envelope resized after CodeDirectory was built")
)

// timestampReserve pads the signature placeholder for the RFC 3161
// token, whose size is not known until the server answers.
const timestampReserve = 8192

// SignConfig describes one signing operation.
type SignConfig struct {
	// ID is the signing identifier recorded in the CodeDirectory.
	ID string

	// TeamID is the optional team identifier.
	TeamID string

	Flags        cstypes.CDFlag
	HashType     cstypes.HashType // zero value means SHA-256
	PageSizeLog2 uint8            // zero value means 12 (4096 byte pages)

	// Identity produces the CMS signature. nil means ad-hoc: no
	// Signature slot is emitted and the ADHOC flag is set.
	Identity identity.Identity

	// Requirements, when set, is embedded as the Requirements slot.
	Requirements *cstypes.RequirementSet

	// Entitlements is the XML entitlements plist, embedded as the
	// Entitlements slot (and in DER form when the plist converts).
	Entitlements []byte

	// ExtraSlots carries additional pre-framed component blobs
	// (Info.plist, resource directory) keyed by special slot index.
	ExtraSlots map[cstypes.SlotType][]byte

	// TimestampURL overrides the RFC 3161 server. Empty selects the
	// default Apple responder; the sentinel "none" disables
	// timestamping. Ignored for ad-hoc signing.
	TimestampURL string
}

func (c *SignConfig) hashType() cstypes.HashType {
	if c.HashType == cstypes.HASHTYPE_NOHASH {
		return cstypes.HASHTYPE_SHA256
	}
	return c.HashType
}

func (c *SignConfig) timestampURL() string {
	if c.TimestampURL == "" {
		return cms.DefaultTimestampURL
	}
	return c.TimestampURL
}

// Sign embeds a fresh code signature in a Mach-O image, replacing any
// existing one. Universal binaries are signed slice by slice,
// sequentially, so a smartcard identity sees one PIN conversation at a
// time; slice i's signature is finalized before slice i+1 begins.
func Sign(ctx context.Context, data []byte, cfg SignConfig) ([]byte, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("signing requires an identifier")
	}

	if !macho.IsFat(data) {
		return signSlice(ctx, data, cfg)
	}

	fat, err := macho.ParseFat(data)
	if err != nil {
		return nil, err
	}
	slices := make([][]byte, len(fat.Arches))
	for i := range fat.Arches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debugf(ctx, "signing fat slice %d/%d (cputype %#x)", i+1, len(fat.Arches), fat.Arches[i].CPU)
		signed, err := signSlice(ctx, fat.Slice(i), cfg)
		if err != nil {
			return nil, fmt.Errorf("fat slice %d: %w", i, err)
		}
		slices[i] = signed
	}
	return macho.RebuildFat(fat.Arches, slices)
}

func signSlice(ctx context.Context, data []byte, cfg SignConfig) ([]byte, error) {
	// Signing rewrites load commands in place; work on a copy so the
	// caller's buffer survives a failed attempt.
	buf := make([]byte, len(data))
	copy(buf, data)

	view, err := macho.Load(buf)
	if err != nil {
		return nil, err
	}

	ht := cfg.hashType()
	flags := cfg.Flags
	if cfg.Identity == nil {
		flags |= cstypes.ADHOC
	}

	// Component blobs other than the CodeDirectory are final from the
	// start; their framed bytes feed the special slot hashes.
	special := make(map[cstypes.SlotType][]byte)
	sb := NewSuperBlob()
	addComponent := func(slot cstypes.SlotType, blob cstypes.Blob) {
		sb.Set(slot, blob)
		if slot > 0 && slot < cstypes.CSSLOT_ALTERNATE_CODEDIRECTORIES {
			special[slot] = blob.Bytes()
		}
	}

	// CodeDirectory occupies index slot 0; the real blob replaces this
	// placeholder once the layout is frozen.
	sb.Set(cstypes.CSSLOT_CODEDIRECTORY, cstypes.Blob{})

	if cfg.Requirements != nil && cfg.Requirements.Len() > 0 {
		addComponent(cstypes.CSSLOT_REQUIREMENTS, cfg.Requirements.Blob())
	}
	if len(cfg.Entitlements) > 0 {
		addComponent(cstypes.CSSLOT_ENTITLEMENTS, cstypes.NewEntitlementsBlob(cfg.Entitlements))
		if der, err := cstypes.DerEncodeEntitlements(string(cfg.Entitlements)); err != nil {
			log.Warnf(ctx, "entitlements do not convert to DER, omitting DER slot: %v", err)
		} else {
			addComponent(cstypes.CSSLOT_ENTITLEMENTS_DER, cstypes.NewEntitlementsDerBlob(der))
		}
	}
	for slot, framed := range cfg.ExtraSlots {
		blob, err := cstypes.ParseBlob(framed)
		if err != nil {
			return nil, fmt.Errorf("extra slot %s: %w", slot, err)
		}
		addComponent(slot, blob)
	}

	codeLimit := view.CodeLimit()
	execBase, execLimit, _ := view.TextSegment()
	var execFlags cstypes.ExecSegFlag
	if view.IsMainExecutable() {
		execFlags = cstypes.EXECSEG_MAIN_BINARY
	}

	cdParams := &cstypes.CodeDirectoryParams{
		ID:           cfg.ID,
		TeamID:       cfg.TeamID,
		Flags:        flags,
		HashType:     ht,
		PageSizeLog2: cfg.PageSizeLog2,
		Code:         view.Bytes()[:codeLimit],
		SpecialSlots: special,
		ExecSegBase:  execBase,
		ExecSegLimit: execLimit,
		ExecSegFlags: execFlags,
	}

	// Freeze the envelope size before anything is hashed: the
	// CodeDirectory size is pure layout math, and the signature slot is
	// bounded by the identity's declared maximum.
	cdSize := cstypes.CodeDirectorySize(cdParams)
	sb.Set(cstypes.CSSLOT_CODEDIRECTORY, cstypes.NewBlob(cstypes.MAGIC_CODEDIRECTORY,
		make([]byte, cdSize-cstypes.BlobHeaderSize)))

	maxSig := 0
	if cfg.Identity != nil {
		maxSig = cfg.Identity.MaxSignatureSize()
		if cfg.timestampURL() != "none" {
			maxSig += timestampReserve
		}
		sb.Set(cstypes.CSSLOT_CMS_SIGNATURE, cstypes.NewBlob(cstypes.MAGIC_BLOBWRAPPER, make([]byte, maxSig)))
	}

	total := sb.Size()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := view.PrepareForSignature(int(total)); err != nil {
		return nil, err
	}
	if got := view.CodeLimit(); got != codeLimit {
		return nil, fmt.Errorf("code limit moved from %#x to %#x during layout rewrite", codeLimit, got)
	}

	// The layout rewrite touched the load commands, so hash the pages
	// only now, over the bytes as they will ship.
	cdParams.Code = view.Bytes()[:codeLimit]
	cd, err := cstypes.BuildCodeDirectory(cdParams)
	if err != nil {
		return nil, err
	}
	if cd.Length() != cdSize {
		return nil, fmt.Errorf("code directory is %d bytes, sized %d: %w", cd.Length(), cdSize, ErrPlaceholderShrink)
	}
	sb.Set(cstypes.CSSLOT_CODEDIRECTORY, cd)

	if cfg.Identity != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmsDER, err := cms.Sign(ctx, cms.SignRequest{
			Message:      cd.Bytes(),
			HashType:     ht,
			Identity:     cfg.Identity,
			TimestampURL: cfg.timestampURL(),
		})
		if err != nil {
			return nil, err
		}
		if len(cmsDER) > maxSig {
			return nil, fmt.Errorf("%d bytes realized, %d declared: %w", len(cmsDER), maxSig, ErrSignatureTooLarge)
		}
		// Pad, never shrink: the CodeDirectory hashes are already bound
		// to this envelope size.
		payload := make([]byte, maxSig)
		copy(payload, cmsDER)
		sb.Set(cstypes.CSSLOT_CMS_SIGNATURE, cstypes.NewBlob(cstypes.MAGIC_BLOBWRAPPER, payload))
	}

	out, err := sb.Bytes()
	if err != nil {
		return nil, err
	}
	if uint32(len(out)) != total {
		return nil, fmt.Errorf("envelope went from %d to %d bytes: %w", total, len(out), ErrPlaceholderShrink)
	}
	if err := view.Patch(out); err != nil {
		return nil, err
	}
	log.Debugf(ctx, "embedded %d byte signature at %#x", len(out), codeLimit)
	return view.Bytes(), nil
}
