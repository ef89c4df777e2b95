package param

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Identifiers of the compiled-in catalogue.
const (
	SerialSpeed Identifier = iota + 1
	LoadRamdisk
	BootDelay
	LCDLevel
	SwitchSel
	PhoneDebugOn
	LCDDimLevel
	MelodyMode
	RebootMode
	NationSel
	SetDefaultParam
	TSPFactoryCalDone
	AutoRamdumpMode
	VersionLine
	CommandLine
	TSPFactoryCal
)

// Compiled-in defaults.
const (
	DefaultSerialSpeed     = 7 // 115200 baud
	DefaultLoadRamdisk     = 0
	DefaultBootDelay       = 0
	DefaultLCDLevel        = 0x61
	DefaultSwitchSel       = 1
	DefaultPhoneDebugOn    = 0
	DefaultLCDDimLevel     = 0x11
	DefaultMelodyMode      = 0
	DefaultRebootMode      = 0
	DefaultNationSel       = 0
	DefaultSetDefaultParam = 0
	DefaultTSPFactoryCal   = 0
	DefaultAutoRamdumpMode = 0
	DefaultVersionLine     = "I8315XXIE00"
	DefaultCommandLine     = "console=ttySAC2,115200"
)

// Profile carries the build and hardware facts that conditional schema
// entries are evaluated against, for example {"machine": "cygnus"}.
type Profile map[string]any

// Entry declares one parameter: its identifier, kind and default. When is an
// optional boolean expression over the Profile; the entry exists only if it
// evaluates to true.
type Entry struct {
	ID            Identifier `json:"id" yaml:"id" toml:"id"`
	Name          string     `json:"name" yaml:"name" toml:"name"`
	Kind          Kind       `json:"kind" yaml:"kind" toml:"kind"`
	IntDefault    int32      `json:"int_default,omitempty" yaml:"int_default,omitempty" toml:"int_default,omitempty"`
	StringDefault string     `json:"string_default,omitempty" yaml:"string_default,omitempty" toml:"string_default,omitempty"`
	When          string     `json:"when,omitempty" yaml:"when,omitempty" toml:"when,omitempty"`
}

// Default returns the entry's default as a Value
func (e Entry) Default() Value {
	if e.Kind == KindString {
		return StringValue(e.StringDefault)
	}
	return IntValue(e.IntDefault)
}

func (e Entry) validate() error {
	if e.ID == 0 {
		return fmt.Errorf("%w: entry %q uses reserved identifier 0", ErrInvalidSchema, e.Name)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: entry %d has no name", ErrInvalidSchema, e.ID)
	}
	if e.Kind != KindInt && e.Kind != KindString {
		return fmt.Errorf("%w: entry %q has kind %s", ErrInvalidSchema, e.Name, e.Kind)
	}
	return nil
}

// Schema is an ordered, declarative parameter catalogue. Identifiers are not
// required to be unique.
type Schema struct {
	entries  []Entry
	programs map[string]*vm.Program
}

// NewSchema validates entries and compiles their conditions.
func NewSchema(entries ...Entry) (*Schema, error) {
	s := &Schema{
		entries:  make([]Entry, 0, len(entries)),
		programs: make(map[string]*vm.Program),
	}
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return nil, err
		}
		if e.When != "" {
			if _, ok := s.programs[e.When]; !ok {
				program, err := expr.Compile(e.When, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
				if err != nil {
					return nil, fmt.Errorf("%w: entry %q condition %q: %v", ErrInvalidSchema, e.Name, e.When, err)
				}
				s.programs[e.When] = program
			}
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// DefaultSchema returns the compiled-in catalogue. Touch-screen calibration
// exists only on cygnus hardware and automatic RAM dumps only on saturn.
func DefaultSchema() *Schema {
	s, err := NewSchema(
		Entry{ID: SerialSpeed, Name: "SERIAL_SPEED", Kind: KindInt, IntDefault: DefaultSerialSpeed},
		Entry{ID: LoadRamdisk, Name: "LOAD_RAMDISK", Kind: KindInt, IntDefault: DefaultLoadRamdisk},
		Entry{ID: BootDelay, Name: "BOOT_DELAY", Kind: KindInt, IntDefault: DefaultBootDelay},
		Entry{ID: LCDLevel, Name: "LCD_LEVEL", Kind: KindInt, IntDefault: DefaultLCDLevel},
		Entry{ID: SwitchSel, Name: "SWITCH_SEL", Kind: KindInt, IntDefault: DefaultSwitchSel},
		Entry{ID: PhoneDebugOn, Name: "PHONE_DEBUG_ON", Kind: KindInt, IntDefault: DefaultPhoneDebugOn},
		Entry{ID: LCDDimLevel, Name: "LCD_DIM_LEVEL", Kind: KindInt, IntDefault: DefaultLCDDimLevel},
		Entry{ID: MelodyMode, Name: "MELODY_MODE", Kind: KindInt, IntDefault: DefaultMelodyMode},
		Entry{ID: RebootMode, Name: "REBOOT_MODE", Kind: KindInt, IntDefault: DefaultRebootMode},
		Entry{ID: NationSel, Name: "NATION_SEL", Kind: KindInt, IntDefault: DefaultNationSel},
		Entry{ID: SetDefaultParam, Name: "SET_DEFAULT_PARAM", Kind: KindInt, IntDefault: DefaultSetDefaultParam},
		Entry{ID: TSPFactoryCalDone, Name: "TSP_FACTORY_CAL_DONE", Kind: KindInt, IntDefault: DefaultTSPFactoryCal, When: `machine == "cygnus"`},
		Entry{ID: AutoRamdumpMode, Name: "AUTO_RAMDUMP_MODE", Kind: KindInt, IntDefault: DefaultAutoRamdumpMode, When: `machine == "saturn"`},
		Entry{ID: VersionLine, Name: "VERSION", Kind: KindString, StringDefault: DefaultVersionLine},
		Entry{ID: CommandLine, Name: "CMDLINE", Kind: KindString, StringDefault: DefaultCommandLine},
		Entry{ID: TSPFactoryCal, Name: "TSP_FACTORY_CAL", Kind: KindString, When: `machine == "cygnus"`},
	)
	if err != nil {
		panic(err)
	}
	return s
}

// Entries returns a copy of the catalogue in declaration order
func (s *Schema) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Merge returns a new schema with extra overlaid: an extra entry replaces every
// existing entry with the same identifier in place, otherwise it is appended.
func (s *Schema) Merge(extra ...Entry) (*Schema, error) {
	merged := s.Entries()
	for _, e := range extra {
		replaced := false
		for i := range merged {
			if merged[i].ID == e.ID {
				merged[i] = e
				replaced = true
			}
		}
		if !replaced {
			merged = append(merged, e)
		}
	}
	return NewSchema(merged...)
}

// Enabled returns the entries whose condition holds for profile.
func (s *Schema) Enabled(profile Profile) ([]Entry, error) {
	env := map[string]any{}
	for k, v := range profile {
		env[k] = v
	}

	var out []Entry
	for _, e := range s.entries {
		if e.When == "" {
			out = append(out, e)
			continue
		}
		result, err := expr.Run(s.programs[e.When], env)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q condition %q: %v", ErrInvalidSchema, e.Name, e.When, err)
		}
		enabled, ok := result.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: entry %q condition %q yields %T, not bool", ErrInvalidSchema, e.Name, e.When, result)
		}
		if enabled {
			out = append(out, e)
		}
	}
	return out, nil
}

// Defaults builds a fresh status: sentinels set, then each enabled entry's
// default placed in the next free slot of its kind. Unused slots keep
// identifier 0.
func (s *Schema) Defaults(profile Profile) (*Status, error) {
	entries, err := s.Enabled(profile)
	if err != nil {
		return nil, err
	}

	status := NewStatus()
	ints, strs := 0, 0
	for _, e := range entries {
		switch e.Kind {
		case KindInt:
			if ints == IntCapacity {
				return nil, fmt.Errorf("%w: more than %d integer entries", ErrSchemaCapacity, IntCapacity)
			}
			status.Ints[ints] = IntRecord{ID: e.ID, Value: e.IntDefault}
			ints++
		case KindString:
			if strs == MaxStringParam {
				return nil, fmt.Errorf("%w: more than %d string entries", ErrSchemaCapacity, MaxStringParam)
			}
			status.Strings[strs] = StringRecord{ID: e.ID, Value: boundString(e.StringDefault)}
			strs++
		}
	}
	return status, nil
}

// Name returns the first entry name declared for id, or its decimal form.
func (s *Schema) Name(id Identifier) string {
	for _, e := range s.entries {
		if e.ID == id {
			return e.Name
		}
	}
	return strconv.Itoa(int(id))
}

// Entry returns the first entry declared for id
func (s *Schema) Entry(id Identifier) (Entry, bool) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Resolve turns a name (case-insensitive) or a decimal number into an
// identifier. Numbers resolve even when the schema does not declare them,
// except zero, which marks unused slots.
func (s *Schema) Resolve(token string) (Identifier, error) {
	token = strings.TrimSpace(token)
	if n, err := strconv.ParseInt(token, 10, 32); err == nil {
		if Identifier(n) == NoIdentifier {
			return 0, fmt.Errorf("%w: %q is the unused slot marker", ErrUnknownIdentifier, token)
		}
		return Identifier(n), nil
	}
	for _, e := range s.entries {
		if strings.EqualFold(e.Name, token) {
			return e.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownIdentifier, token)
}

// ParseValue interprets text according to the kind declared for id. Unknown
// identifiers accept integers first and fall back to strings.
func (s *Schema) ParseValue(id Identifier, text string) (Value, error) {
	e, ok := s.Entry(id)
	if !ok {
		if n, err := strconv.ParseInt(text, 0, 32); err == nil {
			return IntValue(int32(n)), nil
		}
		return StringValue(text), nil
	}
	if e.Kind == KindString {
		return StringValue(text), nil
	}
	n, err := strconv.ParseInt(text, 0, 32)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s expects an integer, got %q", ErrInvalidArgument, e.Name, text)
	}
	return IntValue(int32(n)), nil
}
