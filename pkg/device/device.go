// Package device defines the block-storage adapter consumed by the parameter
// store, together with a flash emulator usable in memory or over an image file.
//
// All operations are synchronous and sector aligned. Nothing is cached: every
// read and write goes straight to the backing store.
package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned when a transfer is attempted on a closed device
	ErrNotOpen = errors.New("device not open")
	// ErrReadOnly is returned when erasing or programming a read-only partition
	ErrReadOnly = errors.New("partition is read-only")
	// ErrOutOfRange is returned for sector or block numbers outside the device
	ErrOutOfRange = errors.New("address out of range")
	// ErrPartitionNotFound is returned when no partition carries the requested ID
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrShortBuffer is returned when a transfer buffer cannot hold the requested sectors
	ErrShortBuffer = errors.New("buffer too small for transfer")
	// ErrInvalidGeometry is returned for zero or inconsistent geometry values
	ErrInvalidGeometry = errors.New("invalid device geometry")
	// ErrInjected is the default error produced by an injected fault
	ErrInjected = errors.New("injected device fault")
)

// Adapter is the storage contract the persistence engine relies on. It mirrors
// a flash block-management layer: open/close, partition lookup, attribute
// change, sector transfers and block erase.
type Adapter interface {
	Open(deviceID int) error
	Close(deviceID int) error
	LocatePartition(partitionID uint32) (PartitionDescriptor, error)
	SetPartitionWritable(partitionID uint32, writable bool) error
	ReadSectors(first, count uint32, buf []byte) error
	WriteSectors(first, count uint32, buf []byte) error
	EraseBlock(block uint32) error
}

// Geometry describes the physical layout of an erase block.
type Geometry struct {
	SectorsPerPage uint32 `json:"sectors_per_page" yaml:"sectors_per_page" toml:"sectors_per_page"`
	PagesPerBlock  uint32 `json:"pages_per_block" yaml:"pages_per_block" toml:"pages_per_block"`
	SectorSize     uint32 `json:"sector_size" yaml:"sector_size" toml:"sector_size"`
}

// DefaultGeometry is a 2 KiB page OneNAND layout: 4 x 512 byte sectors per
// page, 64 pages per block, giving 128 KiB erase blocks.
func DefaultGeometry() Geometry {
	return Geometry{
		SectorsPerPage: 4,
		PagesPerBlock:  64,
		SectorSize:     512,
	}
}

// SectorsPerBlock returns the number of sectors in one erase block
func (g Geometry) SectorsPerBlock() uint32 {
	return g.SectorsPerPage * g.PagesPerBlock
}

// PageBytes returns the size of one page in bytes
func (g Geometry) PageBytes() int {
	return int(g.SectorsPerPage * g.SectorSize)
}

// BlockBytes returns the size of one erase block in bytes
func (g Geometry) BlockBytes() int {
	return int(g.SectorsPerBlock() * g.SectorSize)
}

// Validate checks that every dimension is non-zero.
func (g Geometry) Validate() error {
	if g.SectorsPerPage == 0 || g.PagesPerBlock == 0 || g.SectorSize == 0 {
		return fmt.Errorf("%w: %d sectors/page, %d pages/block, %d bytes/sector",
			ErrInvalidGeometry, g.SectorsPerPage, g.PagesPerBlock, g.SectorSize)
	}
	return nil
}

// Partition places a named region on the device, in block units.
type Partition struct {
	ID         uint32 `json:"id" yaml:"id" toml:"id"`
	FirstBlock uint32 `json:"first_block" yaml:"first_block" toml:"first_block"`
	Blocks     uint32 `json:"blocks" yaml:"blocks" toml:"blocks"`
}

// PartitionDescriptor is what LocatePartition reports back.
type PartitionDescriptor struct {
	ID         uint32
	FirstBlock uint32
	Blocks     uint32
	Geometry   Geometry
}

// FirstSector returns the first sector of the block at offset blocks past the
// start of the partition.
func (p PartitionDescriptor) FirstSector(offset uint32) uint32 {
	return (p.FirstBlock + offset) * p.Geometry.SectorsPerBlock()
}
