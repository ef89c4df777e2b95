package param

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnknownCodec is returned when a snapshot names an unsupported codec
	ErrUnknownCodec = errors.New("unknown snapshot codec")
	// ErrInvalidSnapshot is returned when a snapshot cannot be decoded
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Codec selects the compression applied to a snapshot body.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name onto a Codec
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// snapshotMagic opens every snapshot; the byte after it names the codec.
var snapshotMagic = [4]byte{'N', 'V', 'P', 'S'}

type snapshotRecord struct {
	ID    Identifier `json:"id"`
	Int   *int32     `json:"int,omitempty"`
	Str   *string    `json:"str,omitempty"`
	Index int        `json:"slot"`
}

type snapshotDocument struct {
	Magic   uint32           `json:"magic"`
	Version uint32           `json:"version"`
	Ints    []snapshotRecord `json:"ints"`
	Strings []snapshotRecord `json:"strings"`
}

// ExportStatus writes status to w as a codec-tagged JSON document. Every slot
// is written, including empty ones, so an import restores the exact layout.
func ExportStatus(w io.Writer, status *Status, codec Codec) error {
	if status == nil {
		return fmt.Errorf("%w: nil status", ErrInvalidArgument)
	}

	doc := snapshotDocument{Magic: status.Magic, Version: status.Version}
	for i, rec := range status.Ints {
		v := rec.Value
		doc.Ints = append(doc.Ints, snapshotRecord{ID: rec.ID, Int: &v, Index: i})
	}
	for i, rec := range status.Strings {
		v := rec.Value
		doc.Strings = append(doc.Strings, snapshotRecord{ID: rec.ID, Str: &v, Index: i})
	}

	header := append(snapshotMagic[:], byte(codec))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	body, err := newCompressWriter(w, codec)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(body).Encode(&doc); err != nil {
		body.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return body.Close()
}

// ImportStatus reads a snapshot written by ExportStatus. The sentinels are
// returned as stored; callers decide whether an invalid status is acceptable.
func ImportStatus(r io.Reader) (*Status, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrInvalidSnapshot, err)
	}
	if [4]byte(header[:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, header[:4])
	}

	body, err := newCompressReader(r, Codec(header[4]))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var doc snapshotDocument
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	status := &Status{Magic: doc.Magic, Version: doc.Version}
	for _, rec := range doc.Ints {
		if rec.Index < 0 || rec.Index >= IntCapacity || rec.Int == nil {
			return nil, fmt.Errorf("%w: integer slot %d", ErrInvalidSnapshot, rec.Index)
		}
		status.Ints[rec.Index] = IntRecord{ID: rec.ID, Value: *rec.Int}
	}
	for _, rec := range doc.Strings {
		if rec.Index < 0 || rec.Index >= MaxStringParam || rec.Str == nil {
			return nil, fmt.Errorf("%w: string slot %d", ErrInvalidSnapshot, rec.Index)
		}
		status.Strings[rec.Index] = StringRecord{ID: rec.ID, Value: boundString(*rec.Str)}
	}
	return status, nil
}

func newCompressWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecNone:
		return nopCloser{w}, nil
	case CodecZstd:
		return zstd.NewWriter(w)
	case CodecSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

func newCompressReader(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		return zstdReadCloser{decoder}, nil
	case CodecSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
