package codesign

import (
	"encoding/binary"
	"fmt"

	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
)

const (
	sbHeaderSize    = 12
	sbIndexEntrySize = 8
)

type sbEntry struct {
	Slot cstypes.SlotType
	Blob cstypes.Blob
}

// SuperBlob aggregates component blobs under their slot indices. Slots
// keep insertion order in the emitted index; the CodeDirectory must be
// added first.
type SuperBlob struct {
	entries []sbEntry
}

func NewSuperBlob() *SuperBlob {
	return &SuperBlob{}
}

// Set adds a blob under slot, replacing any previous one without
// disturbing the index order.
func (s *SuperBlob) Set(slot cstypes.SlotType, blob cstypes.Blob) {
	for i := range s.entries {
		if s.entries[i].Slot == slot {
			s.entries[i].Blob = blob
			return
		}
	}
	s.entries = append(s.entries, sbEntry{Slot: slot, Blob: blob})
}

// Blob returns the blob stored under slot.
func (s *SuperBlob) Blob(slot cstypes.SlotType) (cstypes.Blob, bool) {
	for _, e := range s.entries {
		if e.Slot == slot {
			return e.Blob, true
		}
	}
	return cstypes.Blob{}, false
}

// Slots lists the occupied slots in index order.
func (s *SuperBlob) Slots() []cstypes.SlotType {
	out := make([]cstypes.SlotType, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Slot
	}
	return out
}

// Size is the total envelope size Bytes will produce.
func (s *SuperBlob) Size() uint32 {
	size := uint32(sbHeaderSize + len(s.entries)*sbIndexEntrySize)
	for _, e := range s.entries {
		size += e.Blob.Length()
	}
	return size
}

// Bytes emits the envelope: header, index, then the blobs contiguously,
// everything big-endian.
func (s *SuperBlob) Bytes() ([]byte, error) {
	for i, e := range s.entries {
		if e.Slot == cstypes.CSSLOT_CODEDIRECTORY && i != 0 {
			return nil, fmt.Errorf("CodeDirectory must be the first slot in the index, found at %d", i)
		}
	}

	out := make([]byte, s.Size())
	binary.BigEndian.PutUint32(out[0:], uint32(cstypes.MAGIC_EMBEDDED_SIGNATURE))
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	binary.BigEndian.PutUint32(out[8:], uint32(len(s.entries)))

	offset := uint32(sbHeaderSize + len(s.entries)*sbIndexEntrySize)
	for i, e := range s.entries {
		idx := sbHeaderSize + i*sbIndexEntrySize
		binary.BigEndian.PutUint32(out[idx:], uint32(e.Slot))
		binary.BigEndian.PutUint32(out[idx+4:], offset)
		copy(out[offset:], e.Blob.Bytes())
		offset += e.Blob.Length()
	}
	return out, nil
}

// ParseSuperBlob reads an embedded signature envelope back into its
// component blobs.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	if len(data) < sbHeaderSize {
		return nil, fmt.Errorf("%d byte SuperBlob header: %w", len(data), cstypes.ErrBlobTruncated)
	}
	magic := cstypes.Magic(binary.BigEndian.Uint32(data[0:]))
	if magic != cstypes.MAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("got %s, want %s: %w", magic, cstypes.MAGIC_EMBEDDED_SIGNATURE, cstypes.ErrBlobBadMagic)
	}
	length := binary.BigEndian.Uint32(data[4:])
	count := binary.BigEndian.Uint32(data[8:])
	if uint64(length) > uint64(len(data)) || uint64(sbHeaderSize)+uint64(count)*sbIndexEntrySize > uint64(length) {
		return nil, fmt.Errorf("SuperBlob length %d, count %d: %w", length, count, cstypes.ErrBlobTruncated)
	}
	data = data[:length]

	s := NewSuperBlob()
	for i := uint32(0); i < count; i++ {
		idx := sbHeaderSize + i*sbIndexEntrySize
		slot := cstypes.SlotType(binary.BigEndian.Uint32(data[idx:]))
		offset := binary.BigEndian.Uint32(data[idx+4:])
		if uint64(offset) >= uint64(len(data)) {
			return nil, fmt.Errorf("slot %s offset %#x out of range: %w", slot, offset, cstypes.ErrBlobTruncated)
		}
		blob, err := cstypes.ParseBlob(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		s.entries = append(s.entries, sbEntry{Slot: slot, Blob: blob})
	}
	return s, nil
}
