package param

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/device"
	"github.com/cespare/xxhash/v2"
)

// BlockOffset selects a parameter block relative to the partition start.
type BlockOffset uint32

const (
	// BlockOffsetMain holds the current parameters
	BlockOffsetMain BlockOffset = 1
	// BlockOffsetBackup holds the previous valid MAIN contents
	BlockOffsetBackup BlockOffset = 2

	// DefaultPartitionID is the partition reserved for parameters
	DefaultPartitionID uint32 = 4
)

func (o BlockOffset) String() string {
	switch o {
	case BlockOffsetMain:
		return "main"
	case BlockOffsetBackup:
		return "backup"
	default:
		return fmt.Sprintf("block+%d", uint32(o))
	}
}

// Source tells where a status came from.
type Source int

const (
	SourceNone Source = iota
	SourceMain
	SourceBackup
	SourceDefaults
)

func (s Source) String() string {
	switch s {
	case SourceMain:
		return "main"
	case SourceBackup:
		return "backup"
	case SourceDefaults:
		return "defaults"
	default:
		return "none"
	}
}

// Engine persists a Status into the MAIN/BACKUP block pair of a partition.
//
// A save first copies a valid MAIN into BACKUP and only then overwrites MAIN,
// so at every point in the sequence at least one block holds a complete,
// valid status. Each block write preserves the lower half of the erase block
// verbatim and places the parameter buffer in the upper half.
//
// Engine holds no state between calls; every Load, Save and Inspect opens and
// closes the device. Callers serialise access.
type Engine struct {
	dev         device.Adapter
	deviceID    int
	partitionID uint32
	logger      log.Logger
	metrics     Metrics
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithDeviceID sets the device number passed to Open and Close
func WithDeviceID(id int) EngineOption {
	return func(e *Engine) {
		e.deviceID = id
	}
}

// WithPartitionID selects the partition holding the parameter blocks
func WithPartitionID(id uint32) EngineOption {
	return func(e *Engine) {
		e.partitionID = id
	}
}

// WithLogger sets the engine logger
func WithLogger(logger log.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the engine metrics
func WithMetrics(metrics Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates an engine over dev.
func NewEngine(dev device.Adapter, opts ...EngineOption) (*Engine, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}

	e := &Engine{
		dev:         dev,
		partitionID: DefaultPartitionID,
		logger:      log.Component("engine"),
		metrics:     NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithField("partition", e.partitionID)

	return e, nil
}

// PartitionID returns the partition the engine writes to
func (e *Engine) PartitionID() uint32 {
	return e.partitionID
}

// layout is the sector arithmetic for one partition.
type layout struct {
	desc           device.PartitionDescriptor
	sectorsPerPage uint32
	sectorsPerHalf uint32
	sectorSize     uint32
}

// first returns the first sector of the block at offset
func (l layout) first(offset BlockOffset) uint32 {
	return l.desc.FirstSector(uint32(offset))
}

// span returns the buffer range that the page starting sector sec (relative
// to the start of a half block) occupies.
func (l layout) span(sec uint32) (int, int) {
	start := int(sec * l.sectorSize)
	return start, start + int(l.sectorsPerPage*l.sectorSize)
}

func (e *Engine) locate() (layout, error) {
	desc, err := e.dev.LocatePartition(e.partitionID)
	if err != nil {
		return layout{}, fmt.Errorf("%w: locate partition %d: %w", ErrIO, e.partitionID, err)
	}

	g := desc.Geometry
	if err := g.Validate(); err != nil {
		return layout{}, fmt.Errorf("%w: %w", ErrGeometryMismatch, err)
	}
	if g.PagesPerBlock%2 != 0 || g.BlockBytes()/2 != BlockBufferSize {
		return layout{}, fmt.Errorf("%w: half block is %d bytes over %d pages, need %d bytes over an even page count",
			ErrGeometryMismatch, g.BlockBytes()/2, g.PagesPerBlock, BlockBufferSize)
	}
	if desc.Blocks <= uint32(BlockOffsetBackup) {
		return layout{}, fmt.Errorf("%w: partition %d has %d blocks, need %d",
			ErrGeometryMismatch, e.partitionID, desc.Blocks, uint32(BlockOffsetBackup)+1)
	}

	return layout{
		desc:           desc,
		sectorsPerPage: g.SectorsPerPage,
		sectorsPerHalf: g.SectorsPerBlock() / 2,
		sectorSize:     g.SectorSize,
	}, nil
}

func (e *Engine) open() error {
	if err := e.dev.Open(e.deviceID); err != nil {
		return fmt.Errorf("%w: open device %d: %w", ErrIO, e.deviceID, err)
	}
	return nil
}

func (e *Engine) close() {
	if err := e.dev.Close(e.deviceID); err != nil {
		e.logger.Warn("Failed to close device %d: %v", e.deviceID, err)
	}
}

// WriteBlock stores payload in the upper half of the block at offset. The
// lower half is read, the block erased, and the lower half written back
// unchanged before the payload is programmed. The partition is writable only
// for the duration of the call and is set read-only again on every path.
//
// The device must already be open. payload must be exactly BlockBufferSize
// bytes.
func (e *Engine) WriteBlock(ctx context.Context, offset BlockOffset, payload []byte) (err error) {
	if len(payload) != BlockBufferSize {
		return fmt.Errorf("%w: block payload is %d bytes, need %d", ErrInvalidArgument, len(payload), BlockBufferSize)
	}

	l, err := e.locate()
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		e.metrics.RecordBlockWrite(ctx, time.Since(start), offset, int64(len(payload)), err)
	}()

	if err := e.dev.SetPartitionWritable(e.partitionID, true); err != nil {
		return &BlockError{Block: offset, Step: StepUnlock, Err: err}
	}
	defer func() {
		lockErr := e.dev.SetPartitionWritable(e.partitionID, false)
		if lockErr == nil {
			return
		}
		e.logger.Error("Failed to restore read-only attribute after writing %s block: %v", offset, lockErr)
		restore := &BlockError{Block: offset, Step: StepLock, Err: lockErr}
		if err != nil {
			err = errors.Join(err, restore)
		} else {
			err = restore
		}
	}()

	first := l.first(offset)

	lower := make([]byte, BlockBufferSize)
	for sec := uint32(0); sec < l.sectorsPerHalf; sec += l.sectorsPerPage {
		lo, hi := l.span(sec)
		if err := e.dev.ReadSectors(first+sec, l.sectorsPerPage, lower[lo:hi]); err != nil {
			e.logger.Error("Read page error at sector %d: %v", first+sec, err)
			return &BlockError{Block: offset, Step: StepPreserve, Err: err}
		}
	}

	if err := e.dev.EraseBlock(l.desc.FirstBlock + uint32(offset)); err != nil {
		e.logger.Error("Erase block error on %s block: %v", offset, err)
		return &BlockError{Block: offset, Step: StepErase, Err: err}
	}

	for sec := uint32(0); sec < l.sectorsPerHalf; sec += l.sectorsPerPage {
		lo, hi := l.span(sec)
		if err := e.dev.WriteSectors(first+sec, l.sectorsPerPage, lower[lo:hi]); err != nil {
			e.logger.Error("Write page error at sector %d: %v", first+sec, err)
			return &BlockError{Block: offset, Step: StepRewrite, Err: err}
		}
	}

	upper := first + l.sectorsPerHalf
	for sec := uint32(0); sec < l.sectorsPerHalf; sec += l.sectorsPerPage {
		lo, hi := l.span(sec)
		if err := e.dev.WriteSectors(upper+sec, l.sectorsPerPage, payload[lo:hi]); err != nil {
			e.logger.Error("Write page error at sector %d: %v", upper+sec, err)
			return &BlockError{Block: offset, Step: StepProgram, Err: err}
		}
	}

	return nil
}

// ReadBlock returns the upper half of the block at offset. The device must
// already be open.
func (e *Engine) ReadBlock(ctx context.Context, offset BlockOffset) ([]byte, error) {
	l, err := e.locate()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, BlockBufferSize)
	upper := l.first(offset) + l.sectorsPerHalf
	for sec := uint32(0); sec < l.sectorsPerHalf; sec += l.sectorsPerPage {
		lo, hi := l.span(sec)
		if err := e.dev.ReadSectors(upper+sec, l.sectorsPerPage, buf[lo:hi]); err != nil {
			e.logger.Error("Read page error at sector %d: %v", upper+sec, err)
			return nil, &BlockError{Block: offset, Step: StepRead, Err: err}
		}
	}
	return buf, nil
}

// Load reads MAIN and falls back to BACKUP when MAIN fails validation. A
// device error on MAIN is returned without consulting BACKUP. When neither
// block is valid the error wraps ErrCorruption.
func (e *Engine) Load(ctx context.Context) (status *Status, source Source, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordLoad(ctx, time.Since(start), source, err)
	}()

	if err := e.open(); err != nil {
		return nil, SourceNone, err
	}
	defer e.close()

	for _, candidate := range []struct {
		offset BlockOffset
		source Source
	}{
		{BlockOffsetMain, SourceMain},
		{BlockOffsetBackup, SourceBackup},
	} {
		block, err := e.ReadBlock(ctx, candidate.offset)
		if err != nil {
			return nil, SourceNone, err
		}
		if !IsValid(block) {
			e.logger.Warn("%s block failed validation (fingerprint %016x)", candidate.offset, Fingerprint(block))
			e.metrics.RecordCorruption(ctx, candidate.offset)
			continue
		}

		decoded, err := DecodeStatus(block)
		if err != nil {
			return nil, SourceNone, err
		}
		e.logger.Debug("Loaded parameters from %s block", candidate.offset)
		return decoded, candidate.source, nil
	}

	return nil, SourceNone, fmt.Errorf("%w: main and backup both failed validation", ErrCorruption)
}

// Save writes status to MAIN. If MAIN currently holds a valid status it is
// first copied, byte for byte, into BACKUP; otherwise BACKUP is left alone.
// The first failure aborts the sequence.
func (e *Engine) Save(ctx context.Context, status *Status) (err error) {
	if status == nil {
		return fmt.Errorf("%w: nil status", ErrInvalidArgument)
	}

	start := time.Now()
	promoted := false
	defer func() {
		e.metrics.RecordSave(ctx, time.Since(start), promoted, err)
	}()

	if err := e.open(); err != nil {
		return err
	}
	defer e.close()

	current, err := e.ReadBlock(ctx, BlockOffsetMain)
	if err != nil {
		return err
	}

	if IsValid(current) {
		e.logger.Debug("Promoting main block (fingerprint %016x) to backup", Fingerprint(current))
		if err := e.WriteBlock(ctx, BlockOffsetBackup, current); err != nil {
			return err
		}
		promoted = true
	} else {
		e.logger.Warn("Main block invalid, backup left unchanged")
		e.metrics.RecordCorruption(ctx, BlockOffsetMain)
	}

	buf := make([]byte, BlockBufferSize)
	if err := status.Encode(buf); err != nil {
		return err
	}
	if err := e.WriteBlock(ctx, BlockOffsetMain, buf); err != nil {
		return err
	}

	e.logger.Debug("Saved parameters to main block (fingerprint %016x)", Fingerprint(buf))
	return nil
}

// BlockInfo describes the parameter half of one block.
type BlockInfo struct {
	Offset      BlockOffset `json:"offset"`
	Valid       bool        `json:"valid"`
	Erased      bool        `json:"erased"`
	Magic       uint32      `json:"magic"`
	Version     uint32      `json:"version"`
	Fingerprint uint64      `json:"fingerprint"`
}

// Inspection is a read-only report on both parameter blocks.
type Inspection struct {
	PartitionID uint32      `json:"partition_id"`
	FirstBlock  uint32      `json:"first_block"`
	Blocks      []BlockInfo `json:"blocks"`
}

// Inspect reads MAIN and BACKUP and reports their sentinels and
// fingerprints without modifying either.
func (e *Engine) Inspect(ctx context.Context) (*Inspection, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	defer e.close()

	l, err := e.locate()
	if err != nil {
		return nil, err
	}

	report := &Inspection{
		PartitionID: e.partitionID,
		FirstBlock:  l.desc.FirstBlock,
	}
	for _, offset := range []BlockOffset{BlockOffsetMain, BlockOffsetBackup} {
		block, err := e.ReadBlock(ctx, offset)
		if err != nil {
			return nil, err
		}
		header, err := DecodeStatus(block)
		if err != nil {
			return nil, err
		}
		report.Blocks = append(report.Blocks, BlockInfo{
			Offset:      offset,
			Valid:       IsValid(block),
			Erased:      isErased(block),
			Magic:       header.Magic,
			Version:     header.Version,
			Fingerprint: Fingerprint(block),
		})
	}
	return report, nil
}

// Fingerprint returns the xxhash64 digest of a block buffer
func Fingerprint(block []byte) uint64 {
	return xxhash.Sum64(block)
}

func isErased(block []byte) bool {
	for _, b := range block {
		if b != device.ErasedByte {
			return false
		}
	}
	return true
}
