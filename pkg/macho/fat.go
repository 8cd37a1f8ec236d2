package macho

import (
	"encoding/binary"
	"fmt"

	mtypes "github.com/appsworld/go-codesign/types"
)

const (
	fatHeaderSize = 8
	fatArchSize   = 20
)

// FatArch is one entry of a universal binary's architecture table.
// All fields are big-endian on the wire regardless of slice endianness.
type FatArch struct {
	CPU    uint32
	SubCPU uint32
	Offset uint32
	Size   uint32
	Align  uint32 // alignment as a power of 2
}

// FatFile is a parsed universal binary.
type FatFile struct {
	Arches []FatArch
	data   []byte
}

// IsFat reports whether data is a universal binary.
func IsFat(data []byte) bool {
	return len(data) >= fatHeaderSize && Magic(binary.BigEndian.Uint32(data)) == MagicFat
}

// ParseFat parses the universal header and architecture table.
func ParseFat(data []byte) (*FatFile, error) {
	if len(data) < fatHeaderSize {
		return nil, fmt.Errorf("%d bytes is too small for a fat header: %w", len(data), ErrBinaryMalformed)
	}
	switch Magic(binary.BigEndian.Uint32(data)) {
	case MagicFat:
	case MagicFat64:
		return nil, fmt.Errorf("fat binary with 64-bit arch table: %w", ErrUnsupportedMachOVariant)
	default:
		return nil, fmt.Errorf("not a fat binary: %w", ErrBinaryMalformed)
	}

	narch := binary.BigEndian.Uint32(data[4:])
	if uint64(fatHeaderSize)+uint64(narch)*fatArchSize > uint64(len(data)) {
		return nil, fmt.Errorf("fat arch table (%d entries) overruns the file: %w", narch, ErrBinaryMalformed)
	}

	f := &FatFile{data: data}
	for i := uint32(0); i < narch; i++ {
		d := data[fatHeaderSize+i*fatArchSize:]
		arch := FatArch{
			CPU:    binary.BigEndian.Uint32(d[0:]),
			SubCPU: binary.BigEndian.Uint32(d[4:]),
			Offset: binary.BigEndian.Uint32(d[8:]),
			Size:   binary.BigEndian.Uint32(d[12:]),
			Align:  binary.BigEndian.Uint32(d[16:]),
		}
		if uint64(arch.Offset)+uint64(arch.Size) > uint64(len(data)) {
			return nil, fmt.Errorf("fat arch %d extends past end of file: %w", i, ErrBinaryMalformed)
		}
		f.Arches = append(f.Arches, arch)
	}
	return f, nil
}

// Slice returns the raw bytes of architecture i.
func (f *FatFile) Slice(i int) []byte {
	a := f.Arches[i]
	return f.data[a.Offset : a.Offset+a.Size]
}

// RebuildFat reassembles a universal binary from per-arch slices, which
// may have changed size. Original offsets are kept when the grown slice
// still fits in front of its successor; otherwise offsets are recomputed
// on each arch's original alignment.
func RebuildFat(arches []FatArch, slices [][]byte) ([]byte, error) {
	if len(arches) != len(slices) {
		return nil, fmt.Errorf("%d arch entries but %d slices", len(arches), len(slices))
	}

	newArches := make([]FatArch, len(arches))
	copy(newArches, arches)

	fits := true
	for i := range newArches {
		newArches[i].Size = uint32(len(slices[i]))
		end := uint64(newArches[i].Offset) + uint64(newArches[i].Size)
		if i+1 < len(newArches) && end > uint64(newArches[i+1].Offset) {
			fits = false
			break
		}
	}
	if !fits {
		offset := uint64(fatHeaderSize + len(newArches)*fatArchSize)
		for i := range newArches {
			offset = mtypes.RoundUp(offset, uint64(1)<<newArches[i].Align)
			newArches[i].Offset = uint32(offset)
			offset += uint64(newArches[i].Size)
		}
	}

	last := newArches[len(newArches)-1]
	total := uint64(last.Offset) + uint64(last.Size)
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:], uint32(MagicFat))
	binary.BigEndian.PutUint32(out[4:], uint32(len(newArches)))
	for i, a := range newArches {
		d := out[fatHeaderSize+i*fatArchSize:]
		binary.BigEndian.PutUint32(d[0:], a.CPU)
		binary.BigEndian.PutUint32(d[4:], a.SubCPU)
		binary.BigEndian.PutUint32(d[8:], a.Offset)
		binary.BigEndian.PutUint32(d[12:], a.Size)
		binary.BigEndian.PutUint32(d[16:], a.Align)
		copy(out[a.Offset:], slices[i])
	}
	return out, nil
}
