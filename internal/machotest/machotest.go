// Package machotest builds minimal Mach-O images for tests. The images
// carry a __TEXT segment covering the file front and a __LINKEDIT tail,
// which is all the signing pipeline looks at.
package machotest

import (
	"encoding/binary"
)

const (
	magic64     = 0xfeedfacf
	cpuArm64    = 0x0100000c
	mhExecute   = 0x2
	lcSegment64 = 0x19

	headerSize64  = 32
	segCmdSize64  = 72
	linkeditAlign = 4096
)

// Thin64 builds a little-endian 64-bit MH_EXECUTE image of exactly
// fileSize bytes whose last linkeditSize bytes are __LINKEDIT. The
// content bytes follow a deterministic pattern so page hashes differ.
func Thin64(fileSize, linkeditSize int) []byte {
	if linkeditSize >= fileSize {
		panic("machotest: linkedit larger than file")
	}
	data := make([]byte, fileSize)
	for i := range data {
		data[i] = byte(i * 7)
	}

	bo := binary.LittleEndian
	linkeditOff := fileSize - linkeditSize

	bo.PutUint32(data[0:], magic64)
	bo.PutUint32(data[4:], cpuArm64)
	bo.PutUint32(data[8:], 0)
	bo.PutUint32(data[12:], mhExecute)
	bo.PutUint32(data[16:], 2)              // ncmds
	bo.PutUint32(data[20:], 2*segCmdSize64) // sizeofcmds
	bo.PutUint32(data[24:], 0)
	bo.PutUint32(data[28:], 0)

	putSeg64(bo, data[headerSize64:], "__TEXT",
		0x100000000, uint64(linkeditOff), 0, uint64(linkeditOff), 0x5, 0x5)
	putSeg64(bo, data[headerSize64+segCmdSize64:], "__LINKEDIT",
		0x100000000+uint64(linkeditOff), uint64(roundUp(linkeditSize, linkeditAlign)),
		uint64(linkeditOff), uint64(linkeditSize), 0x1, 0x1)

	return data
}

func putSeg64(bo binary.ByteOrder, d []byte, name string, addr, memsz, off, filesz uint64, maxprot, prot uint32) {
	bo.PutUint32(d[0:], lcSegment64)
	bo.PutUint32(d[4:], segCmdSize64)
	for i := range d[8:24] {
		d[8+i] = 0
	}
	copy(d[8:24], name)
	bo.PutUint64(d[24:], addr)
	bo.PutUint64(d[32:], memsz)
	bo.PutUint64(d[40:], off)
	bo.PutUint64(d[48:], filesz)
	bo.PutUint32(d[56:], maxprot)
	bo.PutUint32(d[60:], prot)
	bo.PutUint32(d[64:], 0) // nsects
	bo.PutUint32(d[68:], 0) // flags
}

func roundUp(x, align int) int {
	return (x + align - 1) &^ (align - 1)
}

// Fat wraps slices in a universal container. Offsets are aligned to
// 1<<align bytes.
func Fat(align uint32, cputypes []uint32, slices ...[]byte) []byte {
	const fatMagic = 0xcafebabe
	const archSize = 20
	if len(cputypes) != len(slices) {
		panic("machotest: cputypes and slices length mismatch")
	}

	offsets := make([]int, len(slices))
	offset := 8 + len(slices)*archSize
	for i, s := range slices {
		offset = roundUp(offset, 1<<align)
		offsets[i] = offset
		offset += len(s)
	}

	out := make([]byte, offset)
	binary.BigEndian.PutUint32(out[0:], fatMagic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		d := out[8+i*archSize:]
		binary.BigEndian.PutUint32(d[0:], cputypes[i])
		binary.BigEndian.PutUint32(d[4:], 0)
		binary.BigEndian.PutUint32(d[8:], uint32(offsets[i]))
		binary.BigEndian.PutUint32(d[12:], uint32(len(s)))
		binary.BigEndian.PutUint32(d[16:], align)
		copy(out[offsets[i]:], s)
	}
	return out
}
