// Package macho provides the narrow view of a Mach-O image that code
// signing needs: the segment table, the __LINKEDIT tail, and the
// LC_CODE_SIGNATURE load command, plus the layout surgery required to
// embed a new signature.
package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	mtypes "github.com/appsworld/go-codesign/types"
)

var (
	ErrBinaryMalformed         = errors.New("malformed Mach-O binary")
	ErrUnsupportedMachOVariant = errors.New("unsupported Mach-O variant")
	ErrLoadCommandOverflow     = errors.New("no room in load command region for LC_CODE_SIGNATURE")
	ErrNoSignatureRegion       = errors.New("binary has no code signature region")
)

type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
	// fat with 64-bit arch entries; rare and unsupported here
	MagicFat64 Magic = 0xcafebabf
)

type LoadCmd uint32

const (
	LC_SEGMENT        LoadCmd = 0x1
	LC_SEGMENT_64     LoadCmd = 0x19
	LC_CODE_SIGNATURE LoadCmd = 0x1d
)

const (
	fileHeaderSize32 = 7 * 4
	fileHeaderSize64 = 8 * 4

	segmentCmdSize32 = 56
	segmentCmdSize64 = 72
	sectionSize32    = 68
	sectionSize64    = 80

	linkEditDataCmdSize = 16

	pageSize = 0x1000

	segLinkEdit = "__LINKEDIT"
	segText     = "__TEXT"
)

// Segment is one segment load command, as far as signing cares.
type Segment struct {
	Name    string
	Addr    uint64 /* memory address of this segment */
	Memsz   uint64 /* memory size of this segment */
	Offset  uint64 /* file offset of this segment */
	Filesz  uint64 /* amount to map from the file */
	Maxprot mtypes.VmProtection
	Prot    mtypes.VmProtection
	Nsect   uint32

	cmdOff int // file offset of the segment's load command
	is64   bool
}

// View is a parsed thin Mach-O image. The byte buffer is owned by the
// view for the duration of one signing.
type View struct {
	data []byte
	bo   binary.ByteOrder
	is64 bool

	hdrSize    int
	ncmds      uint32
	sizeofcmds uint32

	segs        []Segment
	linkeditIdx int
	textIdx     int

	csCmdOff int // offset of the LC_CODE_SIGNATURE command, -1 if absent
	sigOff   uint32
	sigSize  uint32

	// lowest file offset of any section or segment content, bounding how
	// far the load command region may grow
	minContentOff uint64
}

// Load parses a thin 32- or 64-bit Mach-O image of either endianness.
func Load(data []byte) (*View, error) {
	if len(data) < fileHeaderSize32 {
		return nil, fmt.Errorf("%d bytes is too small for a Mach-O header: %w", len(data), ErrBinaryMalformed)
	}

	v := &View{data: data, linkeditIdx: -1, textIdx: -1, csCmdOff: -1}
	switch be := Magic(binary.BigEndian.Uint32(data)); be {
	case Magic64:
		v.bo, v.is64 = binary.BigEndian, true
	case Magic32:
		v.bo, v.is64 = binary.BigEndian, false
	case MagicFat, MagicFat64:
		return nil, fmt.Errorf("fat binary handed to thin loader: %w", ErrUnsupportedMachOVariant)
	default:
		switch le := Magic(binary.LittleEndian.Uint32(data)); le {
		case Magic64:
			v.bo, v.is64 = binary.LittleEndian, true
		case Magic32:
			v.bo, v.is64 = binary.LittleEndian, false
		default:
			return nil, fmt.Errorf("magic %#x: %w", be, ErrBinaryMalformed)
		}
	}

	v.hdrSize = fileHeaderSize32
	if v.is64 {
		v.hdrSize = fileHeaderSize64
	}
	if len(data) < v.hdrSize {
		return nil, fmt.Errorf("truncated file header: %w", ErrBinaryMalformed)
	}
	v.ncmds = v.bo.Uint32(data[16:])
	v.sizeofcmds = v.bo.Uint32(data[20:])
	if uint64(v.hdrSize)+uint64(v.sizeofcmds) > uint64(len(data)) {
		return nil, fmt.Errorf("load commands overrun the file: %w", ErrBinaryMalformed)
	}

	v.minContentOff = uint64(len(data))
	if err := v.walkLoadCommands(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *View) walkLoadCommands() error {
	off := v.hdrSize
	end := v.hdrSize + int(v.sizeofcmds)
	for i := uint32(0); i < v.ncmds; i++ {
		if off+8 > end {
			return fmt.Errorf("load command %d overruns sizeofcmds: %w", i, ErrBinaryMalformed)
		}
		cmd := LoadCmd(v.bo.Uint32(v.data[off:]))
		cmdsize := v.bo.Uint32(v.data[off+4:])
		if cmdsize < 8 || off+int(cmdsize) > end {
			return fmt.Errorf("load command %d has size %d: %w", i, cmdsize, ErrBinaryMalformed)
		}

		switch cmd {
		case LC_SEGMENT:
			if cmdsize < segmentCmdSize32 {
				return fmt.Errorf("LC_SEGMENT command too small: %w", ErrBinaryMalformed)
			}
			v.addSegment32(off)
		case LC_SEGMENT_64:
			if cmdsize < segmentCmdSize64 {
				return fmt.Errorf("LC_SEGMENT_64 command too small: %w", ErrBinaryMalformed)
			}
			v.addSegment64(off)
		case LC_CODE_SIGNATURE:
			if cmdsize != linkEditDataCmdSize {
				return fmt.Errorf("LC_CODE_SIGNATURE has size %d: %w", cmdsize, ErrBinaryMalformed)
			}
			v.csCmdOff = off
			v.sigOff = v.bo.Uint32(v.data[off+8:])
			v.sigSize = v.bo.Uint32(v.data[off+12:])
		}
		off += int(cmdsize)
	}

	if v.linkeditIdx < 0 {
		return fmt.Errorf("no %s segment: %w", segLinkEdit, ErrBinaryMalformed)
	}
	le := &v.segs[v.linkeditIdx]
	if v.csCmdOff >= 0 {
		if uint64(v.sigOff)+uint64(v.sigSize) > le.Offset+le.Filesz {
			return fmt.Errorf("signature region extends past %s: %w", segLinkEdit, ErrBinaryMalformed)
		}
	}
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (v *View) addSegment32(off int) {
	d := v.data[off:]
	seg := Segment{
		Name:    cstring(d[8:24]),
		Addr:    uint64(v.bo.Uint32(d[24:])),
		Memsz:   uint64(v.bo.Uint32(d[28:])),
		Offset:  uint64(v.bo.Uint32(d[32:])),
		Filesz:  uint64(v.bo.Uint32(d[36:])),
		Maxprot: mtypes.VmProtection(v.bo.Uint32(d[40:])),
		Prot:    mtypes.VmProtection(v.bo.Uint32(d[44:])),
		Nsect:   v.bo.Uint32(d[48:]),
		cmdOff:  off,
	}
	v.noteSegment(seg)
	for s := uint32(0); s < seg.Nsect; s++ {
		secOff := off + segmentCmdSize32 + int(s)*sectionSize32
		if fileOff := uint64(v.bo.Uint32(v.data[secOff+40:])); fileOff > 0 && fileOff < v.minContentOff {
			v.minContentOff = fileOff
		}
	}
}

func (v *View) addSegment64(off int) {
	d := v.data[off:]
	seg := Segment{
		Name:    cstring(d[8:24]),
		Addr:    v.bo.Uint64(d[24:]),
		Memsz:   v.bo.Uint64(d[32:]),
		Offset:  v.bo.Uint64(d[40:]),
		Filesz:  v.bo.Uint64(d[48:]),
		Maxprot: mtypes.VmProtection(v.bo.Uint32(d[56:])),
		Prot:    mtypes.VmProtection(v.bo.Uint32(d[60:])),
		Nsect:   v.bo.Uint32(d[64:]),
		cmdOff:  off,
		is64:    true,
	}
	v.noteSegment(seg)
	for s := uint32(0); s < seg.Nsect; s++ {
		secOff := off + segmentCmdSize64 + int(s)*sectionSize64
		if fileOff := uint64(v.bo.Uint32(v.data[secOff+48:])); fileOff > 0 && fileOff < v.minContentOff {
			v.minContentOff = fileOff
		}
	}
}

func (v *View) noteSegment(seg Segment) {
	switch seg.Name {
	case segLinkEdit:
		v.linkeditIdx = len(v.segs)
	case segText:
		v.textIdx = len(v.segs)
	}
	if seg.Offset > 0 && seg.Offset < v.minContentOff {
		v.minContentOff = seg.Offset
	}
	v.segs = append(v.segs, seg)
}

// Bytes returns the (possibly rewritten) image.
func (v *View) Bytes() []byte { return v.data }

// Segments returns the parsed segment table.
func (v *View) Segments() []Segment { return v.segs }

// SignatureRegion reports the existing embedded signature's file range.
func (v *View) SignatureRegion() (offset, size uint32, ok bool) {
	if v.csCmdOff < 0 {
		return 0, 0, false
	}
	return v.sigOff, v.sigSize, true
}

// CodeLimit is the file offset where the signature begins (or would
// begin): the end of __LINKEDIT before any signature bytes. The
// signature region, when present, lies at the end of __LINKEDIT, and
// __LINKEDIT ends at end-of-file.
func (v *View) CodeLimit() uint64 {
	le := v.segs[v.linkeditIdx]
	end := le.Offset + le.Filesz
	if v.csCmdOff >= 0 && v.sigSize > 0 {
		return uint64(v.sigOff)
	}
	return end
}

// TextSegment reports the __TEXT file range for exec-segment metadata.
func (v *View) TextSegment() (base, limit uint64, ok bool) {
	if v.textIdx < 0 {
		return 0, 0, false
	}
	t := v.segs[v.textIdx]
	return t.Offset, t.Filesz, true
}

// IsMainExecutable reports whether the image's file type is MH_EXECUTE.
func (v *View) IsMainExecutable() bool {
	return v.bo.Uint32(v.data[12:]) == 0x2 // MH_EXECUTE
}

func (v *View) putSegmentSizes(idx int) {
	seg := v.segs[idx]
	d := v.data[seg.cmdOff:]
	if seg.is64 {
		v.bo.PutUint64(d[32:], seg.Memsz)
		v.bo.PutUint64(d[48:], seg.Filesz)
	} else {
		v.bo.PutUint32(d[28:], uint32(seg.Memsz))
		v.bo.PutUint32(d[36:], uint32(seg.Filesz))
	}
}

// PrepareForSignature rewrites the image layout so that a signature of
// exactly sigSize bytes can live at the end of __LINKEDIT. The code
// limit is unchanged by this call: the signature replaces any existing
// one at the same position. A missing LC_CODE_SIGNATURE command is
// synthesized at the end of the load command region.
func (v *View) PrepareForSignature(sigSize int) error {
	codeLimit := v.CodeLimit()

	if v.csCmdOff < 0 {
		cmdEnd := v.hdrSize + int(v.sizeofcmds)
		if uint64(cmdEnd+linkEditDataCmdSize) > v.minContentOff {
			return fmt.Errorf("%d command bytes in use, content starts at %#x: %w",
				v.sizeofcmds, v.minContentOff, ErrLoadCommandOverflow)
		}
		v.bo.PutUint32(v.data[cmdEnd:], uint32(LC_CODE_SIGNATURE))
		v.bo.PutUint32(v.data[cmdEnd+4:], linkEditDataCmdSize)
		v.csCmdOff = cmdEnd
		v.ncmds++
		v.sizeofcmds += linkEditDataCmdSize
		v.bo.PutUint32(v.data[16:], v.ncmds)
		v.bo.PutUint32(v.data[20:], v.sizeofcmds)
	}

	v.sigOff = uint32(codeLimit)
	v.sigSize = uint32(sigSize)
	v.bo.PutUint32(v.data[v.csCmdOff+8:], v.sigOff)
	v.bo.PutUint32(v.data[v.csCmdOff+12:], v.sigSize)

	// Grow or shrink __LINKEDIT to end exactly at the new signature end.
	le := &v.segs[v.linkeditIdx]
	le.Filesz = codeLimit - le.Offset + uint64(sigSize)
	le.Memsz = mtypes.RoundUp(le.Filesz, pageSize)
	v.putSegmentSizes(v.linkeditIdx)

	newLen := codeLimit + uint64(sigSize)
	if uint64(len(v.data)) >= newLen {
		v.data = v.data[:newLen]
	} else {
		v.data = append(v.data, make([]byte, newLen-uint64(len(v.data)))...)
	}
	return nil
}

// Patch writes the finished signature region. PrepareForSignature must
// have sized the region first.
func (v *View) Patch(sig []byte) error {
	if v.csCmdOff < 0 {
		return ErrNoSignatureRegion
	}
	if len(sig) != int(v.sigSize) {
		return fmt.Errorf("signature is %d bytes but the region holds %d", len(sig), v.sigSize)
	}
	copy(v.data[v.sigOff:], sig)
	return nil
}

// Signature returns the embedded signature bytes, if any.
func (v *View) Signature() ([]byte, error) {
	if v.csCmdOff < 0 || v.sigSize == 0 {
		return nil, ErrNoSignatureRegion
	}
	if uint64(v.sigOff)+uint64(v.sigSize) > uint64(len(v.data)) {
		return nil, fmt.Errorf("signature region out of range: %w", ErrBinaryMalformed)
	}
	return v.data[v.sigOff : v.sigOff+v.sigSize], nil
}
