package param

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxParam is the total number of record slots in a status
	MaxParam = 20
	// MaxStringParam is the number of string record slots
	MaxStringParam = 5
	// IntCapacity is the number of integer record slots
	IntCapacity = MaxParam - MaxStringParam
	// StringSize is the on-media size of a string value including its NUL
	StringSize = 1024

	// StatusMagic marks a block as holding parameter data
	StatusMagic = uint32(0x72726624)
	// StatusVersion is the only layout version understood
	StatusVersion = uint32(0x13)

	// BlockBufferSize is the logical size of every block transfer (32 x 2 KiB)
	BlockBufferSize = 32 * 2048

	headerSize       = 8
	intRecordSize    = 8
	stringRecordSize = 4 + StringSize

	// EncodedSize is the number of leading buffer bytes a status occupies
	EncodedSize = headerSize + IntCapacity*intRecordSize + MaxStringParam*stringRecordSize
)

// Identifier names a parameter. Zero marks an unused slot.
type Identifier int32

// NoIdentifier is the ID carried by unused slots. It never matches a lookup.
const NoIdentifier Identifier = 0

// Kind distinguishes integer and string parameters.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindString
)

// String returns the configuration spelling of the kind
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindInt && k != KindString {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidSchema, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "int", "integer":
		*k = KindInt
	case "string", "str":
		*k = KindString
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchema, text)
	}
	return nil
}

// Value is a parameter value of either kind.
type Value struct {
	Kind Kind
	Int  int32
	Str  string
}

// IntValue wraps an integer
func IntValue(v int32) Value {
	return Value{Kind: KindInt, Int: v}
}

// StringValue wraps a string
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(int64(v.Int), 10)
	case KindString:
		return strconv.Quote(v.Str)
	default:
		return "<none>"
	}
}

// IntRecord is one integer slot
type IntRecord struct {
	ID    Identifier
	Value int32
}

// StringRecord is one string slot. Value never exceeds StringSize-1 bytes.
type StringRecord struct {
	ID    Identifier
	Value string
}

// Status is the complete parameter set, in memory and on media.
type Status struct {
	Magic   uint32
	Version uint32
	Ints    [IntCapacity]IntRecord
	Strings [MaxStringParam]StringRecord
}

// NewStatus returns an empty status carrying the expected sentinels.
func NewStatus() *Status {
	return &Status{Magic: StatusMagic, Version: StatusVersion}
}

// Valid reports whether the sentinels match
func (s *Status) Valid() bool {
	return s.Magic == StatusMagic && s.Version == StatusVersion
}

// Clone returns an independent copy
func (s *Status) Clone() *Status {
	c := *s
	return &c
}

// Lookup writes every matching record's value into out and returns the match
// count. Integer records are scanned first; string records are consulted only
// when no integer record matched. With duplicates, the last match wins.
// NoIdentifier matches nothing.
func (s *Status) Lookup(id Identifier, out *Value) int {
	if id == NoIdentifier {
		return 0
	}
	matched := 0
	for _, rec := range s.Ints {
		if rec.ID == id {
			*out = IntValue(rec.Value)
			matched++
		}
	}
	if matched > 0 {
		return matched
	}
	for _, rec := range s.Strings {
		if rec.ID == id {
			*out = StringValue(rec.Value)
			matched++
		}
	}
	return matched
}

// Assign stores v into every record with the given identifier whose kind
// matches v. It returns how many records were updated and how many matched
// the identifier but had the other kind. Unused slots are never written.
func (s *Status) Assign(id Identifier, v Value) (updated, skipped int) {
	if id == NoIdentifier {
		return 0, 0
	}
	for i := range s.Ints {
		if s.Ints[i].ID != id {
			continue
		}
		if v.Kind != KindInt {
			skipped++
			continue
		}
		s.Ints[i].Value = v.Int
		updated++
	}
	for i := range s.Strings {
		if s.Strings[i].ID != id {
			continue
		}
		if v.Kind != KindString {
			skipped++
			continue
		}
		s.Strings[i].Value = boundString(v.Str)
		updated++
	}
	return updated, skipped
}

// Encode writes the status into the first EncodedSize bytes of buf. Bytes
// past EncodedSize are left untouched.
func (s *Status) Encode(buf []byte) error {
	if len(buf) < EncodedSize {
		return fmt.Errorf("%w: encode buffer is %d bytes, need %d", ErrInvalidArgument, len(buf), EncodedSize)
	}

	binary.LittleEndian.PutUint32(buf[0:4], s.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], s.Version)

	pos := headerSize
	for _, rec := range s.Ints {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[pos+4:pos+8], uint32(rec.Value))
		pos += intRecordSize
	}

	for _, rec := range s.Strings {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(rec.ID))
		field := buf[pos+4 : pos+stringRecordSize]
		n := copy(field[:StringSize-1], rec.Value)
		for i := n; i < StringSize; i++ {
			field[i] = 0
		}
		pos += stringRecordSize
	}

	return nil
}

// MarshalBinary returns the EncodedSize-byte encoding of the status.
func (s *Status) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncodedSize)
	if err := s.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeStatus parses the leading EncodedSize bytes of buf. It does not check
// the sentinels; use IsValid or Status.Valid for that.
func DecodeStatus(buf []byte) (*Status, error) {
	if len(buf) < EncodedSize {
		return nil, fmt.Errorf("%w: decode buffer is %d bytes, need %d", ErrInvalidArgument, len(buf), EncodedSize)
	}

	s := &Status{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint32(buf[4:8]),
	}

	pos := headerSize
	for i := range s.Ints {
		s.Ints[i] = IntRecord{
			ID:    Identifier(binary.LittleEndian.Uint32(buf[pos : pos+4])),
			Value: int32(binary.LittleEndian.Uint32(buf[pos+4 : pos+8])),
		}
		pos += intRecordSize
	}

	for i := range s.Strings {
		field := buf[pos+4 : pos+stringRecordSize]
		s.Strings[i] = StringRecord{
			ID:    Identifier(binary.LittleEndian.Uint32(buf[pos : pos+4])),
			Value: cString(field[:StringSize-1]),
		}
		pos += stringRecordSize
	}

	return s, nil
}

// IsValid reports whether a block buffer starts with the expected magic and
// version. Nothing else in the block is checked.
func IsValid(block []byte) bool {
	if len(block) < headerSize {
		return false
	}
	return binary.LittleEndian.Uint32(block[0:4]) == StatusMagic &&
		binary.LittleEndian.Uint32(block[4:8]) == StatusVersion
}

// boundString applies the on-media limits: text ends at the first NUL and
// keeps at most StringSize-1 bytes.
func boundString(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	if len(s) > StringSize-1 {
		s = s[:StringSize-1]
	}
	return s
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
