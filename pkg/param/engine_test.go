package param

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFirstBlock = 8
	testBlocks     = 16
)

func newTestDevice(t *testing.T) *device.Flash {
	t.Helper()
	dev, err := device.NewMemory(device.DefaultGeometry(), testBlocks,
		device.Partition{ID: DefaultPartitionID, FirstBlock: testFirstBlock, Blocks: 4})
	require.NoError(t, err)
	return dev
}

func newTestEngine(t *testing.T, dev device.Adapter) *Engine {
	t.Helper()
	e, err := NewEngine(dev, WithLogger(log.NewDiscardLogger()))
	require.NoError(t, err)
	return e
}

// blockOffset returns the byte offset of the parameter half of a block.
func blockOffset(offset BlockOffset) int64 {
	g := device.DefaultGeometry()
	return int64(testFirstBlock+uint32(offset))*int64(g.BlockBytes()) + int64(g.BlockBytes()/2)
}

// lowerOffset returns the byte offset of the preserved half of a block.
func lowerOffset(offset BlockOffset) int64 {
	return int64(testFirstBlock+uint32(offset)) * int64(device.DefaultGeometry().BlockBytes())
}

func encodedBlock(t *testing.T, status *Status) []byte {
	t.Helper()
	buf := make([]byte, BlockBufferSize)
	require.NoError(t, status.Encode(buf))
	return buf
}

func TestNewEngineRejectsNilDevice(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriteBlockPreservesLowerHalf(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	lower := bytes.Repeat([]byte{0xA5, 0x5A}, BlockBufferSize/2)
	require.NoError(t, dev.RawWrite(lowerOffset(BlockOffsetMain), lower))

	payload := bytes.Repeat([]byte{0x11}, BlockBufferSize)
	require.NoError(t, dev.Open(0))
	require.NoError(t, e.WriteBlock(ctx, BlockOffsetMain, payload))
	require.NoError(t, dev.Close(0))

	gotLower, err := dev.RawRead(lowerOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, lower, gotLower)

	gotUpper, err := dev.RawRead(blockOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, payload, gotUpper)

	c := dev.Counters()
	assert.Equal(t, 1, c.Erases)
	assert.Equal(t, 1, c.ErasesByBlock[testFirstBlock+1])
	assert.Equal(t, 64, c.Writes, "one write per page over the whole block")
	assert.Equal(t, 32, c.Reads, "one read per page over the lower half")
	assert.Equal(t, 2, c.AttrChanges)
	assert.False(t, dev.IsWritable(DefaultPartitionID))
}

func TestWriteBlockRejectsWrongPayloadSize(t *testing.T) {
	e := newTestEngine(t, newTestDevice(t))
	err := e.WriteBlock(context.Background(), BlockOffsetMain, make([]byte, 100))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = e.WriteBlock(context.Background(), BlockOffsetMain, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadBlockReturnsUpperHalf(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)

	upper := bytes.Repeat([]byte{0x42}, BlockBufferSize)
	require.NoError(t, dev.RawWrite(blockOffset(BlockOffsetBackup), upper))
	require.NoError(t, dev.RawWrite(lowerOffset(BlockOffsetBackup), bytes.Repeat([]byte{0x01}, BlockBufferSize)))

	require.NoError(t, dev.Open(0))
	defer dev.Close(0)
	got, err := e.ReadBlock(context.Background(), BlockOffsetBackup)
	require.NoError(t, err)
	assert.Equal(t, upper, got)
}

func TestWriteBlockFaults(t *testing.T) {
	injected := errors.New("nand failure")

	tests := []struct {
		name string
		op   device.Op
		nth  int
		step Step
	}{
		{"unlock", device.OpAttr, 1, StepUnlock},
		{"preserve", device.OpRead, 5, StepPreserve},
		{"erase", device.OpErase, 1, StepErase},
		{"rewrite", device.OpWrite, 3, StepRewrite},
		{"program", device.OpWrite, 40, StepProgram},
		{"lock", device.OpAttr, 2, StepLock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t)
			e := newTestEngine(t, dev)
			require.NoError(t, dev.Open(0))
			defer dev.Close(0)

			dev.InjectFault(tt.op, tt.nth, injected)
			err := e.WriteBlock(context.Background(), BlockOffsetMain, make([]byte, BlockBufferSize))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrIO)
			assert.ErrorIs(t, err, injected)

			var blockErr *BlockError
			require.ErrorAs(t, err, &blockErr)
			assert.Equal(t, tt.step, blockErr.Step)
			assert.Equal(t, BlockOffsetMain, blockErr.Block)

			if tt.step == StepLock {
				assert.True(t, dev.IsWritable(DefaultPartitionID))
			} else {
				assert.False(t, dev.IsWritable(DefaultPartitionID), "partition must be locked again")
			}
		})
	}
}

func TestWriteBlockStopsAfterFailure(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	require.NoError(t, dev.Open(0))
	defer dev.Close(0)

	dev.InjectFault(device.OpErase, 1, nil)
	err := e.WriteBlock(context.Background(), BlockOffsetMain, make([]byte, BlockBufferSize))
	require.ErrorIs(t, err, device.ErrInjected)

	c := dev.Counters()
	assert.Equal(t, 0, c.Writes)
	assert.Equal(t, 0, c.Erases)
}

func TestWriteBlockJoinsLockFailure(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	require.NoError(t, dev.Open(0))
	defer dev.Close(0)

	eraseErr := errors.New("erase failed")
	lockErr := errors.New("attribute stuck")
	dev.InjectFault(device.OpErase, 1, eraseErr)
	dev.InjectFault(device.OpAttr, 2, lockErr)

	err := e.WriteBlock(context.Background(), BlockOffsetMain, make([]byte, BlockBufferSize))
	require.Error(t, err)
	assert.ErrorIs(t, err, eraseErr)
	assert.ErrorIs(t, err, lockErr)

	var blockErr *BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, StepErase, blockErr.Step, "the first failure is reported first")
}

func TestGeometryMismatch(t *testing.T) {
	small, err := device.NewMemory(device.Geometry{SectorsPerPage: 4, PagesPerBlock: 32, SectorSize: 512}, 8,
		device.Partition{ID: DefaultPartitionID, FirstBlock: 0, Blocks: 4})
	require.NoError(t, err)
	e := newTestEngine(t, small)

	_, _, err = e.Load(context.Background())
	assert.ErrorIs(t, err, ErrGeometryMismatch)

	short, err := device.NewMemory(device.DefaultGeometry(), 4,
		device.Partition{ID: DefaultPartitionID, FirstBlock: 0, Blocks: 2})
	require.NoError(t, err)
	e = newTestEngine(t, short)

	err = e.Save(context.Background(), NewStatus())
	assert.ErrorIs(t, err, ErrGeometryMismatch)
	assert.False(t, short.IsOpen(), "device closed on every path")
}

func TestLoadErasedDevice(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)

	status, source, err := e.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruption)
	assert.Nil(t, status)
	assert.Equal(t, SourceNone, source)
	assert.False(t, dev.IsOpen())
}

func TestSaveThenLoad(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	status, err := DefaultSchema().Defaults(nil)
	require.NoError(t, err)
	require.NoError(t, e.Save(ctx, status))

	// MAIN was erased, so nothing was promoted
	c := dev.Counters()
	assert.Equal(t, 1, c.Erases)
	assert.Equal(t, 1, c.ErasesByBlock[testFirstBlock+1])

	loaded, source, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, source)
	assert.Equal(t, status, loaded)
	assert.False(t, dev.IsOpen())
}

func TestSavePromotesMainToBackup(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	first := NewStatus()
	first.Ints[0] = IntRecord{ID: RebootMode, Value: 0}
	require.NoError(t, e.Save(ctx, first))
	before, err := dev.RawRead(blockOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)

	dev.ResetCounters()
	second := first.Clone()
	second.Ints[0].Value = 2
	require.NoError(t, e.Save(ctx, second))

	c := dev.Counters()
	assert.Equal(t, 2, c.Erases)
	assert.Equal(t, 1, c.ErasesByBlock[testFirstBlock+1])
	assert.Equal(t, 1, c.ErasesByBlock[testFirstBlock+2])

	backup, err := dev.RawRead(blockOffset(BlockOffsetBackup), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, before, backup, "backup is a byte-exact copy of the old main")

	main, err := dev.RawRead(blockOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, encodedBlock(t, second), main)
}

func TestSaveWithInvalidMainKeepsBackup(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	first := NewStatus()
	first.Ints[0] = IntRecord{ID: BootDelay, Value: 1}
	require.NoError(t, e.Save(ctx, first))
	second := first.Clone()
	second.Ints[0].Value = 2
	require.NoError(t, e.Save(ctx, second))

	backup, err := dev.RawRead(blockOffset(BlockOffsetBackup), BlockBufferSize)
	require.NoError(t, err)
	require.True(t, IsValid(backup))

	require.NoError(t, dev.RawWrite(blockOffset(BlockOffsetMain), []byte{0xde, 0xad, 0xbe, 0xef}))

	dev.ResetCounters()
	third := first.Clone()
	third.Ints[0].Value = 3
	require.NoError(t, e.Save(ctx, third))

	after, err := dev.RawRead(blockOffset(BlockOffsetBackup), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, backup, after, "an invalid main is never promoted")

	c := dev.Counters()
	assert.Equal(t, map[uint32]int{testFirstBlock + 1: 1}, c.ErasesByBlock)

	main, err := dev.RawRead(blockOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, encodedBlock(t, third), main)

	loaded, source, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, source)
	assert.Equal(t, int32(3), loaded.Ints[0].Value)
}

func TestSaveFailureOnBackupLeavesMain(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	require.NoError(t, e.Save(ctx, NewStatus()))
	main, err := dev.RawRead(blockOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)

	dev.InjectFault(device.OpErase, 1, nil)
	updated := NewStatus()
	updated.Ints[0] = IntRecord{ID: BootDelay, Value: 3}
	err = e.Save(ctx, updated)
	require.Error(t, err)

	var blockErr *BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, BlockOffsetBackup, blockErr.Block)

	after, err := dev.RawRead(blockOffset(BlockOffsetMain), BlockBufferSize)
	require.NoError(t, err)
	assert.Equal(t, main, after, "main is untouched when promotion fails")
	assert.False(t, dev.IsOpen())
}

func TestLoadFallsBackToBackup(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	older := NewStatus()
	older.Ints[0] = IntRecord{ID: NationSel, Value: 1}
	require.NoError(t, e.Save(ctx, older))
	newer := older.Clone()
	newer.Ints[0].Value = 5
	require.NoError(t, e.Save(ctx, newer))

	// Flip one bit of MAIN's magic
	magic, err := dev.RawRead(blockOffset(BlockOffsetMain), 1)
	require.NoError(t, err)
	require.NoError(t, dev.RawWrite(blockOffset(BlockOffsetMain), []byte{magic[0] ^ 0x01}))

	loaded, source, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceBackup, source)
	assert.Equal(t, older, loaded)
}

func TestLoadVersionMismatchIsCorruption(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	stale := NewStatus()
	stale.Version = StatusVersion - 1
	require.NoError(t, e.Save(ctx, stale))

	_, _, err := e.Load(ctx)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestLoadReadErrorOnMainIsReturned(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, NewStatus()))
	require.NoError(t, e.Save(ctx, NewStatus()))

	dev.InjectFault(device.OpRead, 1, nil)
	_, source, err := e.Load(ctx)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, device.ErrInjected)
	assert.Equal(t, SourceNone, source)
}

func TestOpenFailure(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)

	dev.InjectFault(device.OpOpen, 1, nil)
	err := e.Save(context.Background(), NewStatus())
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 0, dev.Counters().Erases)
}

func TestSaveNilStatus(t *testing.T) {
	e := newTestEngine(t, newTestDevice(t))
	assert.ErrorIs(t, e.Save(context.Background(), nil), ErrInvalidArgument)
}

func TestInspect(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev)
	ctx := context.Background()

	report, err := e.Inspect(ctx)
	require.NoError(t, err)
	require.Len(t, report.Blocks, 2)
	for _, b := range report.Blocks {
		assert.False(t, b.Valid)
		assert.True(t, b.Erased)
		assert.Equal(t, uint32(0xFFFFFFFF), b.Magic)
	}

	status := NewStatus()
	require.NoError(t, e.Save(ctx, status))

	report, err = e.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(testFirstBlock), report.FirstBlock)
	assert.Equal(t, BlockOffsetMain, report.Blocks[0].Offset)
	assert.True(t, report.Blocks[0].Valid)
	assert.Equal(t, StatusMagic, report.Blocks[0].Magic)
	assert.Equal(t, Fingerprint(encodedBlock(t, status)), report.Blocks[0].Fingerprint)
	assert.False(t, report.Blocks[1].Valid)

	assert.Equal(t, 1, dev.Counters().Erases, "inspection never writes")
}

func TestFileDeviceSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/param.img"
	part := device.Partition{ID: DefaultPartitionID, FirstBlock: 1, Blocks: 3}
	ctx := context.Background()

	dev, err := device.OpenFile(path, device.DefaultGeometry(), 4, part)
	require.NoError(t, err)
	e := newTestEngine(t, dev)

	status := NewStatus()
	status.Strings[0] = StringRecord{ID: VersionLine, Value: "I8315XXIE01"}
	require.NoError(t, e.Save(ctx, status))
	require.NoError(t, dev.Release())

	reopened, err := device.OpenFile(path, device.DefaultGeometry(), 4, part)
	require.NoError(t, err)
	defer reopened.Release()

	loaded, source, err := newTestEngine(t, reopened).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, source)
	assert.Equal(t, "I8315XXIE01", loaded.Strings[0].Value)
}
