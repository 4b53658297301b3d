package ota

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
)

// Slot is an application partition.
type Slot uint8

// Slots.
const (
	SlotA Slot = iota
	SlotB
)

// Other returns the other slot.
func (s Slot) Other() Slot {
	return s ^ 1
}

func (s Slot) String() string {
	if s == SlotA {
		return "A"
	}
	return "B"
}

// SlotInfo is the persisted state of one slot.
type SlotInfo struct {
	Version   string `cbor:"1,keyasint,omitempty"`
	Validated bool   `cbor:"2,keyasint"`
}

// BootRecord is the boot selector content.
type BootRecord struct {
	Seq    uint64 `cbor:"1,keyasint"`
	Active Slot   `cbor:"2,keyasint"`
	// Attempts counts boots of an unvalidated active slot.
	Attempts uint8       `cbor:"3,keyasint"`
	Slots    [2]SlotInfo `cbor:"4,keyasint"`
	// Reason is why the last update was rolled back.
	Reason string `cbor:"5,keyasint,omitempty"`
}

// Validated tells if the active slot is validated.
func (r BootRecord) Validated() bool {
	return r.Slots[r.Active].Validated
}

// SectorStore is the small persistent area holding the boot selector.
// WriteSector must write a whole sector or, on power loss, leave a
// sector failing the checksum.
type SectorStore interface {
	SectorSize() int
	ReadSector(n int) ([]byte, error)
	WriteSector(n int, data []byte) error
}

const (
	recordMagic      = 0x54425352
	recordHeaderSize = 6
	recordTrailer    = 4
)

var (
	// ErrNoBootRecord means neither sector holds a valid record.
	ErrNoBootRecord = errors.New("no valid boot record")
	errBadRecord    = errors.New("bad boot record")
)

// BootSelector keeps the boot record in two alternating sectors. Each
// write goes to the sector not holding the current record, so a torn
// write only loses the new copy and the previous record stays in effect.
type BootSelector struct {
	store   SectorStore
	current BootRecord
	sector  int
}

// NewBootSelector creates a BootSelector on store.
func NewBootSelector(store SectorStore) *BootSelector {
	return &BootSelector{store: store, sector: -1}
}

// Load reads both sectors and picks the valid record with the highest
// sequence number.
func (b *BootSelector) Load() (BootRecord, error) {
	found := false
	for n := 0; n < 2; n++ {
		data, err := b.store.ReadSector(n)
		if err != nil {
			glog.Warningf("boot sector %d unreadable: %v", n, err)
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			glog.V(1).Infof("boot sector %d ignored: %v", n, err)
			continue
		}
		if !found || rec.Seq > b.current.Seq {
			b.current, b.sector, found = rec, n, true
		}
	}
	if !found {
		return BootRecord{}, ErrNoBootRecord
	}
	return b.current, nil
}

// Current returns the record in effect.
func (b *BootSelector) Current() BootRecord {
	return b.current
}

// Commit persists rec as the next record. Seq is assigned here.
func (b *BootSelector) Commit(rec BootRecord) error {
	if rec.Active > SlotB {
		return fmt.Errorf("invalid active slot %d", rec.Active)
	}
	rec.Seq = b.current.Seq + 1
	data, err := encodeRecord(rec, b.store.SectorSize())
	if err != nil {
		return err
	}
	target := 0
	if b.sector == 0 {
		target = 1
	}
	if err := b.store.WriteSector(target, data); err != nil {
		return fmt.Errorf("boot sector %d write: %w", target, err)
	}
	b.current, b.sector = rec, target
	glog.V(1).Infof("boot record %d: active=%s attempts=%d validated=%v", rec.Seq, rec.Active, rec.Attempts, rec.Validated())
	return nil
}

func encodeRecord(rec BootRecord, sectorSize int) ([]byte, error) {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}
	size := recordHeaderSize + len(payload) + recordTrailer
	if size > sectorSize || len(payload) > 0xffff {
		return nil, fmt.Errorf("boot record of %d bytes exceeds sector size %d", size, sectorSize)
	}
	data := make([]byte, sectorSize)
	binary.BigEndian.PutUint32(data, recordMagic)
	binary.BigEndian.PutUint16(data[4:], uint16(len(payload)))
	copy(data[recordHeaderSize:], payload)
	sum := crc32.ChecksumIEEE(data[:recordHeaderSize+len(payload)])
	binary.BigEndian.PutUint32(data[recordHeaderSize+len(payload):], sum)
	return data, nil
}

func decodeRecord(data []byte) (rec BootRecord, err error) {
	if len(data) < recordHeaderSize+recordTrailer || binary.BigEndian.Uint32(data) != recordMagic {
		return rec, errBadRecord
	}
	n := int(binary.BigEndian.Uint16(data[4:]))
	end := recordHeaderSize + n
	if end+recordTrailer > len(data) {
		return rec, errBadRecord
	}
	if crc32.ChecksumIEEE(data[:end]) != binary.BigEndian.Uint32(data[end:]) {
		return rec, fmt.Errorf("%w: checksum mismatch", errBadRecord)
	}
	if err = cbor.Unmarshal(data[recordHeaderSize:end], &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	if rec.Active > SlotB {
		return rec, fmt.Errorf("%w: active slot %d", errBadRecord, rec.Active)
	}
	return rec, nil
}
