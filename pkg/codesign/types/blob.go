package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	mtypes "github.com/appsworld/go-codesign/types"
)

var (
	ErrBlobTruncated = errors.New("blob truncated")
	ErrBlobBadMagic  = errors.New("blob has unexpected magic")
)

type Magic uint32

const (
	// Magic numbers used by Code Signing
	MAGIC_REQUIREMENT               Magic = 0xfade0c00 // single Requirement blob
	MAGIC_REQUIREMENTS              Magic = 0xfade0c01 // Requirements vector (internal requirements)
	MAGIC_CODEDIRECTORY             Magic = 0xfade0c02 // CodeDirectory blob
	MAGIC_EMBEDDED_SIGNATURE        Magic = 0xfade0cc0 // embedded form of signature data
	MAGIC_EMBEDDED_SIGNATURE_OLD    Magic = 0xfade0cc1 /* XXX */
	MAGIC_EMBEDDED_ENTITLEMENTS     Magic = 0xfade7171 /* embedded entitlements */
	MAGIC_EMBEDDED_ENTITLEMENTS_DER Magic = 0xfade7172 /* embedded entitlements */
	MAGIC_DETACHED_SIGNATURE        Magic = 0xfade0c05 // multi-arch collection of embedded signatures
	MAGIC_BLOBWRAPPER               Magic = 0xfade0b01 // used for the cms blob
)

var magicStrings = []mtypes.IntName{
	{I: uint32(MAGIC_REQUIREMENT), S: "Requirement"},
	{I: uint32(MAGIC_REQUIREMENTS), S: "Requirements"},
	{I: uint32(MAGIC_CODEDIRECTORY), S: "Codedirectory"},
	{I: uint32(MAGIC_EMBEDDED_SIGNATURE), S: "Embedded Signature"},
	{I: uint32(MAGIC_EMBEDDED_SIGNATURE_OLD), S: "Embedded Signature (Old)"},
	{I: uint32(MAGIC_EMBEDDED_ENTITLEMENTS), S: "Embedded Entitlements"},
	{I: uint32(MAGIC_EMBEDDED_ENTITLEMENTS_DER), S: "Embedded Entitlements (DER)"},
	{I: uint32(MAGIC_DETACHED_SIGNATURE), S: "Detached Signature"},
	{I: uint32(MAGIC_BLOBWRAPPER), S: "Blob Wrapper"},
}

func (cm Magic) String() string   { return mtypes.StringName(uint32(cm), magicStrings, false) }
func (cm Magic) GoString() string { return mtypes.StringName(uint32(cm), magicStrings, true) }

type SlotType uint32

const (
	CSSLOT_CODEDIRECTORY                 SlotType = 0
	CSSLOT_INFOSLOT                      SlotType = 1      // Info.plist
	CSSLOT_REQUIREMENTS                  SlotType = 2      // internal requirements
	CSSLOT_RESOURCEDIR                   SlotType = 3      // resource directory
	CSSLOT_APPLICATION                   SlotType = 4      // Application specific slot
	CSSLOT_ENTITLEMENTS                  SlotType = 5      // embedded entitlement configuration
	CSSLOT_REP_SPECIFIC                  SlotType = 6      // for use by disk images
	CSSLOT_ENTITLEMENTS_DER              SlotType = 7      // DER representation of entitlements plist
	CSSLOT_ALTERNATE_CODEDIRECTORIES     SlotType = 0x1000 // alternate code directories
	CSSLOT_ALTERNATE_CODEDIRECTORY_MAX            = 5
	CSSLOT_ALTERNATE_CODEDIRECTORY_LIMIT          = CSSLOT_ALTERNATE_CODEDIRECTORIES + CSSLOT_ALTERNATE_CODEDIRECTORY_MAX
	CSSLOT_CMS_SIGNATURE                 SlotType = 0x10000 // CMS signature
	CSSLOT_IDENTIFICATIONSLOT            SlotType = 0x10001 // identification blob; used for detached signature
	CSSLOT_TICKETSLOT                    SlotType = 0x10002 // Notarization ticket
)

var slotTypeStrings = []mtypes.IntName{
	{I: uint32(CSSLOT_CODEDIRECTORY), S: "CodeDirectory"},
	{I: uint32(CSSLOT_INFOSLOT), S: "Bound Info.plist"},
	{I: uint32(CSSLOT_REQUIREMENTS), S: "Requirements Blob"},
	{I: uint32(CSSLOT_RESOURCEDIR), S: "Resource Directory"},
	{I: uint32(CSSLOT_APPLICATION), S: "Application Specific"},
	{I: uint32(CSSLOT_ENTITLEMENTS), S: "Entitlements Plist"},
	{I: uint32(CSSLOT_REP_SPECIFIC), S: "DMG Specific"},
	{I: uint32(CSSLOT_ENTITLEMENTS_DER), S: "Entitlements ASN1/DER"},
	{I: uint32(CSSLOT_ALTERNATE_CODEDIRECTORIES), S: "Alternate CodeDirectories 0"},
	{I: uint32(CSSLOT_ALTERNATE_CODEDIRECTORIES + 1), S: "Alternate CodeDirectories 1"},
	{I: uint32(CSSLOT_ALTERNATE_CODEDIRECTORIES + 2), S: "Alternate CodeDirectories 2"},
	{I: uint32(CSSLOT_ALTERNATE_CODEDIRECTORIES + 3), S: "Alternate CodeDirectories 3"},
	{I: uint32(CSSLOT_ALTERNATE_CODEDIRECTORIES + 4), S: "Alternate CodeDirectories 4"},
	{I: uint32(CSSLOT_CMS_SIGNATURE), S: "CMS (RFC3852) signature"},
	{I: uint32(CSSLOT_IDENTIFICATIONSLOT), S: "IdentificationSlot"},
	{I: uint32(CSSLOT_TICKETSLOT), S: "TicketSlot"},
}

func (c SlotType) String() string {
	return mtypes.StringName(uint32(c), slotTypeStrings, false)
}
func (c SlotType) GoString() string {
	return mtypes.StringName(uint32(c), slotTypeStrings, true)
}

// BlobHeader is the common framing every code signing blob starts with.
// Length covers the header itself.
type BlobHeader struct {
	Magic  Magic  // magic number
	Length uint32 // total length of blob
}

// BlobHeaderSize is the wire size of a BlobHeader.
const BlobHeaderSize = 8

// BlobIndex is one entry of a SuperBlob index.
type BlobIndex struct {
	Type   SlotType // type of entry
	Offset uint32   // offset of entry
}

// SbHeader is the fixed front of a SuperBlob.
type SbHeader struct {
	Magic  Magic  // magic number
	Length uint32 // total length of SuperBlob
	Count  uint32 // number of index entries following
}

// Blob is a framed code signing record. The payload excludes the header;
// Bytes restores the full framed form.
type Blob struct {
	Magic Magic
	Data  []byte
}

func NewBlob(magic Magic, data []byte) Blob {
	return Blob{Magic: magic, Data: data}
}

// Length returns the framed length (header included).
func (b Blob) Length() uint32 {
	return uint32(BlobHeaderSize + len(b.Data))
}

// Bytes returns the framed wire form: magic, length, payload, big-endian.
func (b Blob) Bytes() []byte {
	out := make([]byte, b.Length())
	binary.BigEndian.PutUint32(out[0:], uint32(b.Magic))
	binary.BigEndian.PutUint32(out[4:], b.Length())
	copy(out[BlobHeaderSize:], b.Data)
	return out
}

// Digest hashes the blob's framed bytes, not the bare payload.
func (b Blob) Digest(ht HashType) ([]byte, error) {
	return ht.Digest(b.Bytes())
}

// ParseBlob reads one framed blob from the front of data.
func ParseBlob(data []byte) (Blob, error) {
	if len(data) < BlobHeaderSize {
		return Blob{}, fmt.Errorf("%d byte blob header: %w", len(data), ErrBlobTruncated)
	}
	magic := Magic(binary.BigEndian.Uint32(data[0:]))
	length := binary.BigEndian.Uint32(data[4:])
	if length < BlobHeaderSize || uint64(length) > uint64(len(data)) {
		return Blob{}, fmt.Errorf("blob length %d exceeds %d available bytes: %w", length, len(data), ErrBlobTruncated)
	}
	return Blob{Magic: magic, Data: data[BlobHeaderSize:length]}, nil
}

// ParseBlobMagic reads one framed blob and checks it carries the wanted magic.
func ParseBlobMagic(data []byte, want Magic) (Blob, error) {
	b, err := ParseBlob(data)
	if err != nil {
		return Blob{}, err
	}
	if b.Magic != want {
		return Blob{}, fmt.Errorf("got %s, want %s: %w", b.Magic, want, ErrBlobBadMagic)
	}
	return b, nil
}
