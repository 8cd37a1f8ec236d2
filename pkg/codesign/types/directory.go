package types

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	mtypes "github.com/appsworld/go-codesign/types"
)

type CDVersion uint32

const (
	EARLIEST_VERSION     CDVersion = 0x20001
	SUPPORTS_SCATTER     CDVersion = 0x20100
	SUPPORTS_TEAMID      CDVersion = 0x20200
	SUPPORTS_CODELIMIT64 CDVersion = 0x20300
	SUPPORTS_EXECSEG     CDVersion = 0x20400
	SUPPORTS_RUNTIME     CDVersion = 0x20500
	SUPPORTS_LINKAGE     CDVersion = 0x20600
	COMPATIBILITY_LIMIT  CDVersion = 0x2F000 // "version 3 with wiggle room"
)

var cdVersionStrings = []mtypes.IntName{
	{I: uint32(SUPPORTS_SCATTER), S: "Scatter"},
	{I: uint32(SUPPORTS_TEAMID), S: "TeamID"},
	{I: uint32(SUPPORTS_CODELIMIT64), S: "Codelimit64"},
	{I: uint32(SUPPORTS_EXECSEG), S: "ExecSeg"},
	{I: uint32(SUPPORTS_RUNTIME), S: "Runtime"},
	{I: uint32(SUPPORTS_LINKAGE), S: "Linkage"},
}

func (v CDVersion) String() string {
	return mtypes.StringName(uint32(v), cdVersionStrings, false)
}
func (v CDVersion) GoString() string {
	return mtypes.StringName(uint32(v), cdVersionStrings, true)
}

type CDFlag uint32

const (
	/* code signing attributes of a process */
	NONE           CDFlag = 0x00000000 /* no flags */
	VALID          CDFlag = 0x00000001 /* dynamically valid */
	ADHOC          CDFlag = 0x00000002 /* ad hoc signed */
	GET_TASK_ALLOW CDFlag = 0x00000004 /* has get-task-allow entitlement */
	INSTALLER      CDFlag = 0x00000008 /* has installer entitlement */

	HARD             CDFlag = 0x00000100 /* don't load invalid pages */
	KILL             CDFlag = 0x00000200 /* kill process if it becomes invalid */
	CHECK_EXPIRATION CDFlag = 0x00000400 /* force expiration checking */
	RESTRICT         CDFlag = 0x00000800 /* tell dyld to treat restricted */

	ENFORCEMENT CDFlag = 0x00001000 /* require enforcement */
	REQUIRE_LV  CDFlag = 0x00002000 /* require library validation */

	RUNTIME CDFlag = 0x00010000 /* Apply hardened runtime policies */

	LINKER_SIGNED CDFlag = 0x20000 // type property

	ALLOWED_MACHO CDFlag = (ADHOC | HARD | KILL | CHECK_EXPIRATION | RESTRICT | ENFORCEMENT | REQUIRE_LV | RUNTIME)
)

var cdFlagStrings = []mtypes.IntName{
	{I: uint32(NONE), S: "None"},
	{I: uint32(VALID), S: "Valid"},
	{I: uint32(ADHOC), S: "Adhoc"},
	{I: uint32(GET_TASK_ALLOW), S: "GetTaskAllow"},
	{I: uint32(INSTALLER), S: "Installer"},
	{I: uint32(HARD), S: "Hard"},
	{I: uint32(KILL), S: "Kill"},
	{I: uint32(CHECK_EXPIRATION), S: "CheckExpiration"},
	{I: uint32(RESTRICT), S: "Restrict"},
	{I: uint32(ENFORCEMENT), S: "Enforcement"},
	{I: uint32(REQUIRE_LV), S: "RequireLv"},
	{I: uint32(RUNTIME), S: "Runtime"},
	{I: uint32(LINKER_SIGNED), S: "LinkerSigned"},
}

func (f CDFlag) String() string {
	return mtypes.StringName(uint32(f), cdFlagStrings, false)
}
func (f CDFlag) GoString() string {
	return mtypes.StringName(uint32(f), cdFlagStrings, true)
}

type ExecSegFlag uint64

/* executable segment flags */
const (
	EXECSEG_MAIN_BINARY     ExecSegFlag = 0x1   /* executable segment denotes main binary */
	EXECSEG_ALLOW_UNSIGNED  ExecSegFlag = 0x10  /* allow unsigned pages (for debugging) */
	EXECSEG_DEBUGGER        ExecSegFlag = 0x20  /* main binary is debugger */
	EXECSEG_JIT             ExecSegFlag = 0x40  /* JIT enabled */
	EXECSEG_SKIP_LV         ExecSegFlag = 0x80  /* OBSOLETE: skip library validation */
	EXECSEG_CAN_LOAD_CDHASH ExecSegFlag = 0x100 /* can bless cdhash for execution */
	EXECSEG_CAN_EXEC_CDHASH ExecSegFlag = 0x200 /* can execute blessed cdhash */
)

// CodeDirectoryHeader is the on-disk CodeDirectory header through
// version 0x20400 (SUPPORTS_EXECSEG), the layout this package emits.
type CodeDirectoryHeader struct {
	Magic         Magic     // magic number (MAGIC_CODEDIRECTORY)
	Length        uint32    // total length of CodeDirectory blob
	Version       CDVersion // compatibility version
	Flags         CDFlag    // setup and mode flags
	HashOffset    uint32    // offset of hash slot element at index zero
	IdentOffset   uint32    // offset of identifier string
	NSpecialSlots uint32    // number of special hash slots
	NCodeSlots    uint32    // number of ordinary (code) hash slots
	CodeLimit     uint32    // limit to main image signature range
	HashSize      uint8     // size of each hash in bytes
	HashType      HashType  // type of hash (HASHTYPE_* constants)
	Platform      uint8     // platform identifier zero if not platform binary
	PageSize      uint8     // log2(page size in bytes) 0 => infinite
	Spare2        uint32    // unused (must be zero)

	/* Version 0x20100 */
	ScatterOffset uint32 /* offset of optional scatter vector */

	/* Version 0x20200 */
	TeamOffset uint32 /* offset of optional team identifier */

	/* Version 0x20300 */
	Spare3      uint32 /* unused (must be zero) */
	CodeLimit64 uint64 /* limit to main image signature range, 64 bits */

	/* Version 0x20400 */
	ExecSegBase  uint64      /* offset of executable segment */
	ExecSegLimit uint64      /* limit of executable segment */
	ExecSegFlags ExecSegFlag /* exec segment flags */

	/* followed by dynamic content as located by offset fields above */
}

// cdHeaderSize is the serialized size of CodeDirectoryHeader.
const cdHeaderSize = 88

func put8(b []byte, v uint8) []byte {
	b[0] = v
	return b[1:]
}

func put32be(b []byte, v uint32) []byte {
	binary.BigEndian.PutUint32(b, v)
	return b[4:]
}

func put64be(b []byte, v uint64) []byte {
	binary.BigEndian.PutUint64(b, v)
	return b[8:]
}

func (c *CodeDirectoryHeader) put(out []byte) []byte {
	out = put32be(out, uint32(c.Magic))
	out = put32be(out, c.Length)
	out = put32be(out, uint32(c.Version))
	out = put32be(out, uint32(c.Flags))
	out = put32be(out, c.HashOffset)
	out = put32be(out, c.IdentOffset)
	out = put32be(out, c.NSpecialSlots)
	out = put32be(out, c.NCodeSlots)
	out = put32be(out, c.CodeLimit)
	out = put8(out, c.HashSize)
	out = put8(out, uint8(c.HashType))
	out = put8(out, c.Platform)
	out = put8(out, c.PageSize)
	out = put32be(out, c.Spare2)
	out = put32be(out, c.ScatterOffset)
	out = put32be(out, c.TeamOffset)
	out = put32be(out, c.Spare3)
	out = put64be(out, c.CodeLimit64)
	out = put64be(out, c.ExecSegBase)
	out = put64be(out, c.ExecSegLimit)
	out = put64be(out, uint64(c.ExecSegFlags))
	return out
}

// CodeDirectoryParams carries everything needed to emit a CodeDirectory blob.
type CodeDirectoryParams struct {
	ID           string
	TeamID       string
	Flags        CDFlag
	HashType     HashType
	PageSizeLog2 uint8 // 0 means the default 12 (4096 byte pages)

	// Code is the raw binary content up to the code limit, i.e. everything
	// before the byte where the embedded signature begins.
	Code []byte

	// SpecialSlots maps slot index (1..) to the framed bytes of the
	// corresponding component blob. Absent slots up to the maximum present
	// index hash as all zeroes.
	SpecialSlots map[SlotType][]byte

	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags ExecSegFlag
}

func (p *CodeDirectoryParams) pageSizeLog2() uint8 {
	if p.PageSizeLog2 == 0 {
		return 12
	}
	return p.PageSizeLog2
}

func (p *CodeDirectoryParams) maxSpecialSlot() uint32 {
	var max uint32
	for slot := range p.SpecialSlots {
		if uint32(slot) > max {
			max = uint32(slot)
		}
	}
	return max
}

func (p *CodeDirectoryParams) nCodeSlots() uint32 {
	pageSize := uint64(1) << p.pageSizeLog2()
	return uint32(mtypes.RoundUp(uint64(len(p.Code)), pageSize) / pageSize)
}

// CodeDirectorySize returns the framed size the built blob will have.
// Sizing must be exact before any hashing happens, so the layout math
// lives here and BuildCodeDirectory takes its blob length from it.
func CodeDirectorySize(p *CodeDirectoryParams) uint32 {
	size := uint32(cdHeaderSize)
	size += uint32(len(p.ID)) + 1
	if p.TeamID != "" {
		size += uint32(len(p.TeamID)) + 1
	}
	size += (p.maxSpecialSlot() + p.nCodeSlots()) * uint32(p.HashType.Size())
	return size
}

// BuildCodeDirectory emits the versioned CodeDirectory blob: header,
// NUL-terminated identifier, optional team id, then the hash table ordered
// slot -nSpecialSlots .. -1, page 0 .. page n-1. HashOffset anchors at
// page 0's hash; special slots sit at negative offsets from it.
func BuildCodeDirectory(p *CodeDirectoryParams) (Blob, error) {
	hashSize := p.HashType.Size()
	if hashSize == 0 {
		return Blob{}, fmt.Errorf("cannot build code directory: hash type %s: %w", p.HashType, ErrUnsupportedHash)
	}
	if p.ID == "" {
		return Blob{}, fmt.Errorf("cannot build code directory without an identifier")
	}

	pageLog2 := p.pageSizeLog2()
	pageSize := int(1) << pageLog2
	nSpecial := p.maxSpecialSlot()
	nCode := p.nCodeSlots()

	hdr := CodeDirectoryHeader{
		Magic:         MAGIC_CODEDIRECTORY,
		Length:        CodeDirectorySize(p),
		Version:       SUPPORTS_EXECSEG,
		Flags:         p.Flags,
		NSpecialSlots: nSpecial,
		NCodeSlots:    nCode,
		CodeLimit:     uint32(len(p.Code)),
		HashSize:      uint8(hashSize),
		HashType:      p.HashType,
		PageSize:      pageLog2,
		ExecSegBase:   p.ExecSegBase,
		ExecSegLimit:  p.ExecSegLimit,
		ExecSegFlags:  p.ExecSegFlags,
	}

	hdr.IdentOffset = cdHeaderSize
	dynOff := uint32(cdHeaderSize) + uint32(len(p.ID)) + 1
	if p.TeamID != "" {
		hdr.TeamOffset = dynOff
		dynOff += uint32(len(p.TeamID)) + 1
	}
	hdr.HashOffset = dynOff + nSpecial*uint32(hashSize)

	out := make([]byte, hdr.Length)
	hdr.put(out)
	copy(out[hdr.IdentOffset:], p.ID)
	if p.TeamID != "" {
		copy(out[hdr.TeamOffset:], p.TeamID)
	}

	// Special slots, highest index first, absent ones zero-filled.
	cursor := dynOff
	for slot := nSpecial; slot > 0; slot-- {
		if framed, ok := p.SpecialSlots[SlotType(slot)]; ok {
			sum, err := p.HashType.Digest(framed)
			if err != nil {
				return Blob{}, err
			}
			copy(out[cursor:], sum)
		}
		cursor += uint32(hashSize)
	}

	for off := 0; off < len(p.Code); off += pageSize {
		end := off + pageSize
		if end > len(p.Code) {
			end = len(p.Code)
		}
		sum, err := p.HashType.Digest(p.Code[off:end])
		if err != nil {
			return Blob{}, err
		}
		copy(out[cursor:], sum)
		cursor += uint32(hashSize)
	}

	// The header length counts the blob framing, so strip it from the
	// payload handed to NewBlob.
	return NewBlob(MAGIC_CODEDIRECTORY, out[BlobHeaderSize:]), nil
}

// CodeDirectory is the parsed view of a CodeDirectory blob.
type CodeDirectory struct {
	ID           string
	TeamID       string
	CDHash       []byte
	SpecialSlots []SpecialSlot
	CodeSlots    []CodeSlot
	Header       CodeDirectoryHeader
	CodeLimit    uint64
}

type SpecialSlot struct {
	Index uint32
	Hash  []byte
}

type CodeSlot struct {
	Index uint32
	Page  uint32
	Hash  []byte
}

// ParseCodeDirectory reads a framed CodeDirectory blob.
func ParseCodeDirectory(framed []byte) (*CodeDirectory, error) {
	blob, err := ParseBlobMagic(framed, MAGIC_CODEDIRECTORY)
	if err != nil {
		return nil, err
	}
	framed = framed[:blob.Length()]

	r := bytes.NewReader(framed)
	var cd CodeDirectory
	if err := binary.Read(r, binary.BigEndian, &cd.Header); err != nil {
		return nil, fmt.Errorf("failed to read CodeDirectory header: %w", ErrBlobTruncated)
	}
	if cd.Header.Version < EARLIEST_VERSION || cd.Header.Version > COMPATIBILITY_LIMIT {
		return nil, fmt.Errorf("unsupported code directory version %#x", uint32(cd.Header.Version))
	}

	cd.CDHash, err = cd.Header.HashType.Digest(framed)
	if err != nil {
		return nil, err
	}

	cd.CodeLimit = uint64(cd.Header.CodeLimit)
	if cd.Header.Version >= SUPPORTS_CODELIMIT64 && cd.Header.CodeLimit64 > 0 {
		cd.CodeLimit = cd.Header.CodeLimit64
	}

	if _, err := r.Seek(int64(cd.Header.IdentOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("bad identifier offset %#x: %w", cd.Header.IdentOffset, ErrBlobTruncated)
	}
	id, err := bufio.NewReader(r).ReadString('\x00')
	if err != nil {
		return nil, fmt.Errorf("failed to read CodeDirectory identifier at %#x: %v", cd.Header.IdentOffset, err)
	}
	cd.ID = strings.Trim(id, "\x00")

	if cd.Header.Version >= SUPPORTS_TEAMID && cd.Header.TeamOffset > 0 {
		if _, err := r.Seek(int64(cd.Header.TeamOffset), io.SeekStart); err != nil {
			return nil, fmt.Errorf("bad team offset %#x: %w", cd.Header.TeamOffset, ErrBlobTruncated)
		}
		teamID, err := bufio.NewReader(r).ReadString('\x00')
		if err != nil {
			return nil, fmt.Errorf("failed to read team identifier at %#x: %v", cd.Header.TeamOffset, err)
		}
		cd.TeamID = strings.Trim(teamID, "\x00")
	}

	hashSize := uint32(cd.Header.HashSize)
	specialBase := int64(cd.Header.HashOffset) - int64(cd.Header.NSpecialSlots*hashSize)
	if specialBase < 0 {
		return nil, fmt.Errorf("special slot table underflows the blob: %w", ErrBlobTruncated)
	}
	if _, err := r.Seek(specialBase, io.SeekStart); err != nil {
		return nil, err
	}
	for slot := cd.Header.NSpecialSlots; slot > 0; slot-- {
		hash := make([]byte, hashSize)
		if _, err := io.ReadFull(r, hash); err != nil {
			return nil, fmt.Errorf("failed to read special slot %d hash: %w", slot, ErrBlobTruncated)
		}
		cd.SpecialSlots = append(cd.SpecialSlots, SpecialSlot{Index: slot, Hash: hash})
	}

	pageSize := uint32(1) << cd.Header.PageSize
	for slot := uint32(0); slot < cd.Header.NCodeSlots; slot++ {
		hash := make([]byte, hashSize)
		if _, err := io.ReadFull(r, hash); err != nil {
			return nil, fmt.Errorf("failed to read code slot %d hash: %w", slot, ErrBlobTruncated)
		}
		cd.CodeSlots = append(cd.CodeSlots, CodeSlot{Index: slot, Page: slot * pageSize, Hash: hash})
	}

	return &cd, nil
}
