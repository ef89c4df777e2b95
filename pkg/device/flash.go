package device

import (
	"fmt"
	"io"
	"sync"
)

// ErasedByte is the value every byte of an erased block reads back as.
const ErasedByte = 0xFF

// Backing is the byte store behind a Flash device.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Op identifies an adapter operation for fault injection and counters.
type Op int

const (
	OpOpen Op = iota
	OpRead
	OpWrite
	OpErase
	OpAttr
)

// String returns the name of the operation
func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpErase:
		return "erase"
	case OpAttr:
		return "attr"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Counters records how many times each operation ran successfully.
// Block-keyed maps count per erase block.
type Counters struct {
	Opens         int
	Closes        int
	Reads         int
	Writes        int
	Erases        int
	AttrChanges   int
	ErasesByBlock map[uint32]int
	WritesByBlock map[uint32]int
}

type fault struct {
	op        Op
	remaining int
	err       error
}

type partitionState struct {
	Partition
	writable bool
}

// Flash emulates a NAND device with a block-management layer on top of a
// Backing. Erased bytes read as 0xFF and programming can only clear bits, so a
// write without a prior erase ANDs the new data into the old.
type Flash struct {
	mu         sync.Mutex
	backing    Backing
	geometry   Geometry
	blocks     uint32
	partitions []*partitionState
	openCount  int
	faults     []*fault
	counters   Counters
	release    func() error
	sync       func() error
}

func newFlash(backing Backing, geometry Geometry, blocks uint32, parts []Partition) (*Flash, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	if blocks == 0 {
		return nil, fmt.Errorf("%w: device has no blocks", ErrInvalidGeometry)
	}

	f := &Flash{
		backing:  backing,
		geometry: geometry,
		blocks:   blocks,
		counters: Counters{
			ErasesByBlock: make(map[uint32]int),
			WritesByBlock: make(map[uint32]int),
		},
	}

	for _, p := range parts {
		if p.Blocks == 0 || p.FirstBlock+p.Blocks > blocks {
			return nil, fmt.Errorf("%w: partition %d spans blocks %d..%d of %d",
				ErrOutOfRange, p.ID, p.FirstBlock, p.FirstBlock+p.Blocks, blocks)
		}
		for _, existing := range f.partitions {
			if existing.ID == p.ID {
				return nil, fmt.Errorf("duplicate partition id %d", p.ID)
			}
		}
		f.partitions = append(f.partitions, &partitionState{Partition: p})
	}

	return f, nil
}

// Geometry returns the device geometry
func (f *Flash) Geometry() Geometry {
	return f.geometry
}

// Blocks returns the number of erase blocks on the device
func (f *Flash) Blocks() uint32 {
	return f.blocks
}

// InjectFault makes the nth subsequent call of op fail with err (ErrInjected
// when err is nil). Faults fire once.
func (f *Flash) InjectFault(op Op, nth int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	f.faults = append(f.faults, &fault{op: op, remaining: nth, err: err})
}

// ClearFaults drops every pending injected fault.
func (f *Flash) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// Counters returns a copy of the operation counters.
func (f *Flash) Counters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counters
	c.ErasesByBlock = make(map[uint32]int, len(f.counters.ErasesByBlock))
	for k, v := range f.counters.ErasesByBlock {
		c.ErasesByBlock[k] = v
	}
	c.WritesByBlock = make(map[uint32]int, len(f.counters.WritesByBlock))
	for k, v := range f.counters.WritesByBlock {
		c.WritesByBlock[k] = v
	}
	return c
}

// ResetCounters zeroes the operation counters.
func (f *Flash) ResetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = Counters{
		ErasesByBlock: make(map[uint32]int),
		WritesByBlock: make(map[uint32]int),
	}
}

// IsWritable reports the current attribute of a partition.
func (f *Flash) IsWritable(partitionID uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.partition(partitionID)
	return p != nil && p.writable
}

// IsOpen reports whether at least one Open is outstanding.
func (f *Flash) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount > 0
}

// Open implements Adapter. Opens nest; the device stays open until the
// matching number of Close calls.
func (f *Flash) Open(deviceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.trip(OpOpen); err != nil {
		return fmt.Errorf("open device %d: %w", deviceID, err)
	}
	f.openCount++
	f.counters.Opens++
	return nil
}

// Close implements Adapter. Closing an already closed device is a no-op.
func (f *Flash) Close(deviceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openCount == 0 {
		return nil
	}
	f.openCount--
	f.counters.Closes++
	if f.openCount == 0 && f.sync != nil {
		if err := f.sync(); err != nil {
			return fmt.Errorf("sync device %d: %w", deviceID, err)
		}
	}
	return nil
}

// LocatePartition implements Adapter
func (f *Flash) LocatePartition(partitionID uint32) (PartitionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.partition(partitionID)
	if p == nil {
		return PartitionDescriptor{}, fmt.Errorf("%w: id %d", ErrPartitionNotFound, partitionID)
	}
	return PartitionDescriptor{
		ID:         p.ID,
		FirstBlock: p.FirstBlock,
		Blocks:     p.Blocks,
		Geometry:   f.geometry,
	}, nil
}

// SetPartitionWritable implements Adapter
func (f *Flash) SetPartitionWritable(partitionID uint32, writable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.trip(OpAttr); err != nil {
		return fmt.Errorf("change attribute of partition %d: %w", partitionID, err)
	}
	p := f.partition(partitionID)
	if p == nil {
		return fmt.Errorf("%w: id %d", ErrPartitionNotFound, partitionID)
	}
	p.writable = writable
	f.counters.AttrChanges++
	return nil
}

// ReadSectors implements Adapter
func (f *Flash) ReadSectors(first, count uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, n, err := f.transfer(first, count, buf)
	if err != nil {
		return err
	}
	if err := f.trip(OpRead); err != nil {
		return fmt.Errorf("read sectors %d+%d: %w", first, count, err)
	}
	if _, err := f.backing.ReadAt(buf[:n], off); err != nil {
		return fmt.Errorf("read sectors %d+%d: %w", first, count, err)
	}
	f.counters.Reads++
	return nil
}

// WriteSectors implements Adapter. The target block must sit in a writable
// partition.
func (f *Flash) WriteSectors(first, count uint32, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, n, err := f.transfer(first, count, buf)
	if err != nil {
		return err
	}
	block := first / f.geometry.SectorsPerBlock()
	last := (first + count - 1) / f.geometry.SectorsPerBlock()
	for b := block; b <= last; b++ {
		if !f.blockWritable(b) {
			return fmt.Errorf("%w: block %d", ErrReadOnly, b)
		}
	}
	if err := f.trip(OpWrite); err != nil {
		return fmt.Errorf("write sectors %d+%d: %w", first, count, err)
	}

	current := make([]byte, n)
	if _, err := f.backing.ReadAt(current, off); err != nil {
		return fmt.Errorf("write sectors %d+%d: %w", first, count, err)
	}
	for i := range current {
		current[i] &= buf[i]
	}
	if _, err := f.backing.WriteAt(current, off); err != nil {
		return fmt.Errorf("write sectors %d+%d: %w", first, count, err)
	}

	f.counters.Writes++
	f.counters.WritesByBlock[block]++
	return nil
}

// EraseBlock implements Adapter
func (f *Flash) EraseBlock(block uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openCount == 0 {
		return ErrNotOpen
	}
	if block >= f.blocks {
		return fmt.Errorf("%w: block %d of %d", ErrOutOfRange, block, f.blocks)
	}
	if !f.blockWritable(block) {
		return fmt.Errorf("%w: block %d", ErrReadOnly, block)
	}
	if err := f.trip(OpErase); err != nil {
		return fmt.Errorf("erase block %d: %w", block, err)
	}

	erased := make([]byte, f.geometry.BlockBytes())
	for i := range erased {
		erased[i] = ErasedByte
	}
	if _, err := f.backing.WriteAt(erased, int64(block)*int64(f.geometry.BlockBytes())); err != nil {
		return fmt.Errorf("erase block %d: %w", block, err)
	}

	f.counters.Erases++
	f.counters.ErasesByBlock[block]++
	return nil
}

// RawRead copies n bytes at a byte offset, bypassing open state, attributes
// and faults. Intended for diagnostics and tests.
func (f *Flash) RawRead(off int64, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off+int64(n) > f.size() {
		return nil, fmt.Errorf("%w: raw read %d+%d", ErrOutOfRange, off, n)
	}
	buf := make([]byte, n)
	if _, err := f.backing.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// RawWrite overwrites bytes at a byte offset, bypassing flash programming
// rules. Used to simulate corruption.
func (f *Flash) RawWrite(off int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off+int64(len(data)) > f.size() {
		return fmt.Errorf("%w: raw write %d+%d", ErrOutOfRange, off, len(data))
	}
	_, err := f.backing.WriteAt(data, off)
	return err
}

// Release closes the backing store, if it needs closing.
func (f *Flash) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.release == nil {
		return nil
	}
	err := f.release()
	f.release = nil
	return err
}

func (f *Flash) size() int64 {
	return int64(f.blocks) * int64(f.geometry.BlockBytes())
}

// transfer validates a sector range and returns its byte offset and length.
func (f *Flash) transfer(first, count uint32, buf []byte) (int64, int, error) {
	if f.openCount == 0 {
		return 0, 0, ErrNotOpen
	}
	total := f.blocks * f.geometry.SectorsPerBlock()
	if count == 0 || first >= total || count > total-first {
		return 0, 0, fmt.Errorf("%w: sectors %d+%d of %d", ErrOutOfRange, first, count, total)
	}
	n := int(count * f.geometry.SectorSize)
	if len(buf) < n {
		return 0, 0, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(buf), n)
	}
	return int64(first) * int64(f.geometry.SectorSize), n, nil
}

func (f *Flash) partition(id uint32) *partitionState {
	for _, p := range f.partitions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (f *Flash) blockWritable(block uint32) bool {
	for _, p := range f.partitions {
		if block >= p.FirstBlock && block < p.FirstBlock+p.Blocks {
			return p.writable
		}
	}
	return false
}

// trip consumes pending faults for op and returns the first one that fires.
func (f *Flash) trip(op Op) error {
	var fired error
	kept := f.faults[:0]
	for _, ft := range f.faults {
		if ft.op != op {
			kept = append(kept, ft)
			continue
		}
		ft.remaining--
		if ft.remaining <= 0 && fired == nil {
			fired = ft.err
			continue
		}
		kept = append(kept, ft)
	}
	f.faults = kept
	return fired
}
