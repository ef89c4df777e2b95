package param

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchemaDefaults(t *testing.T) {
	status, err := DefaultSchema().Defaults(nil)
	require.NoError(t, err)
	assert.True(t, status.Valid())

	var v Value
	require.Equal(t, 1, status.Lookup(SerialSpeed, &v))
	assert.Equal(t, IntValue(DefaultSerialSpeed), v)
	require.Equal(t, 1, status.Lookup(LCDLevel, &v))
	assert.Equal(t, IntValue(0x61), v)
	require.Equal(t, 1, status.Lookup(VersionLine, &v))
	assert.Equal(t, StringValue(DefaultVersionLine), v)

	assert.Zero(t, status.Lookup(TSPFactoryCalDone, &v))
	assert.Zero(t, status.Lookup(AutoRamdumpMode, &v))

	// Unused slots keep the reserved identifier
	assert.Equal(t, Identifier(0), status.Ints[IntCapacity-1].ID)
	assert.Equal(t, Identifier(0), status.Strings[MaxStringParam-1].ID)
}

func TestConditionalEntries(t *testing.T) {
	tests := []struct {
		machine  string
		present  []Identifier
		excluded []Identifier
	}{
		{"cygnus", []Identifier{TSPFactoryCalDone, TSPFactoryCal}, []Identifier{AutoRamdumpMode}},
		{"saturn", []Identifier{AutoRamdumpMode}, []Identifier{TSPFactoryCalDone, TSPFactoryCal}},
		{"spica", nil, []Identifier{AutoRamdumpMode, TSPFactoryCalDone, TSPFactoryCal}},
	}

	for _, tt := range tests {
		t.Run(tt.machine, func(t *testing.T) {
			status, err := DefaultSchema().Defaults(Profile{"machine": tt.machine})
			require.NoError(t, err)

			var v Value
			for _, id := range tt.present {
				assert.Equal(t, 1, status.Lookup(id, &v), "identifier %d", id)
			}
			for _, id := range tt.excluded {
				assert.Zero(t, status.Lookup(id, &v), "identifier %d", id)
			}
		})
	}
}

func TestNewSchemaValidation(t *testing.T) {
	_, err := NewSchema(Entry{ID: 0, Name: "ZERO", Kind: KindInt})
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = NewSchema(Entry{ID: 1, Kind: KindInt})
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = NewSchema(Entry{ID: 1, Name: "NOKIND"})
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = NewSchema(Entry{ID: 1, Name: "BAD", Kind: KindInt, When: "machine =="})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestConditionMustBeBoolean(t *testing.T) {
	s, err := NewSchema(Entry{ID: 1, Name: "ODD", Kind: KindInt, When: `machine + "x"`})
	require.NoError(t, err)

	_, err = s.Enabled(Profile{"machine": "cygnus"})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestSchemaCapacity(t *testing.T) {
	var entries []Entry
	for i := 1; i <= IntCapacity+1; i++ {
		entries = append(entries, Entry{ID: Identifier(i), Name: "P" + string(rune('A'+i)), Kind: KindInt})
	}
	s, err := NewSchema(entries...)
	require.NoError(t, err)

	_, err = s.Defaults(nil)
	assert.ErrorIs(t, err, ErrSchemaCapacity)
}

func TestMerge(t *testing.T) {
	base := DefaultSchema()
	merged, err := base.Merge(
		Entry{ID: BootDelay, Name: "BOOT_DELAY", Kind: KindInt, IntDefault: 3},
		Entry{ID: 100, Name: "FACTORY_MODE", Kind: KindInt, IntDefault: 1},
	)
	require.NoError(t, err)

	assert.Len(t, merged.Entries(), len(base.Entries())+1)

	status, err := merged.Defaults(nil)
	require.NoError(t, err)
	var v Value
	status.Lookup(BootDelay, &v)
	assert.Equal(t, IntValue(3), v)
	status.Lookup(100, &v)
	assert.Equal(t, IntValue(1), v)

	// The base schema is not modified
	entry, ok := base.Entry(BootDelay)
	require.True(t, ok)
	assert.Equal(t, int32(0), entry.IntDefault)
}

func TestResolveAndName(t *testing.T) {
	s := DefaultSchema()

	id, err := s.Resolve("reboot_mode")
	require.NoError(t, err)
	assert.Equal(t, RebootMode, id)

	id, err = s.Resolve("9999")
	require.NoError(t, err)
	assert.Equal(t, Identifier(9999), id)

	_, err = s.Resolve("NO_SUCH_PARAM")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	_, err = s.Resolve(" 0 ")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	assert.Equal(t, "CMDLINE", s.Name(CommandLine))
	assert.Equal(t, "9999", s.Name(9999))
}

func TestParseValue(t *testing.T) {
	s := DefaultSchema()

	v, err := s.ParseValue(LCDLevel, "0x61")
	require.NoError(t, err)
	assert.Equal(t, IntValue(0x61), v)

	v, err = s.ParseValue(CommandLine, "42")
	require.NoError(t, err)
	assert.Equal(t, StringValue("42"), v)

	_, err = s.ParseValue(RebootMode, "fast")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	v, err = s.ParseValue(5000, "hello")
	require.NoError(t, err)
	assert.Equal(t, StringValue("hello"), v)
}
