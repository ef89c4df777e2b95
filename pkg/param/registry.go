package param

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/stats"
)

// Accessor is the get/set surface other components use to reach parameters.
type Accessor interface {
	// Get writes the value recorded for id into out. Integer records take
	// precedence over string records; when id is absent out is left unchanged.
	Get(id Identifier, out *Value) error

	// Set assigns v to every record of id with v's kind and then persists the
	// whole status, whether or not anything matched.
	Set(ctx context.Context, id Identifier, v Value) error

	// Save persists the current status.
	Save(ctx context.Context) error
}

// Store is the persistence the registry sits on. *Engine implements it.
type Store interface {
	Load(ctx context.Context) (*Status, Source, error)
	Save(ctx context.Context, status *Status) error
	Inspect(ctx context.Context) (*Inspection, error)
}

var (
	_ Accessor = (*Registry)(nil)
	_ Store    = (*Engine)(nil)
)

// Record is one populated slot, named through the schema.
type Record struct {
	ID    Identifier
	Name  string
	Value Value
}

// Registry owns the in-memory parameter status and mediates every access to
// it. A Set holds the write lock across the full save cycle, so saves never
// interleave.
type Registry struct {
	mu     sync.RWMutex
	store  Store
	schema *Schema
	status *Status
	source Source

	logger log.Logger
	stats  stats.Collector
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) RegistryOption {
	return func(r *Registry) {
		r.stats = collector
	}
}

// Open loads the status from store. Any load failure is logged and replaced
// by the schema defaults for profile; those defaults live only in memory
// until the first Set or Save.
func Open(ctx context.Context, store Store, schema *Schema, profile Profile, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidArgument)
	}
	if schema == nil {
		schema = DefaultSchema()
	}

	r := &Registry{
		store:  store,
		schema: schema,
		logger: log.Component("registry"),
		stats:  stats.NewAtomicCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}

	start := time.Now()
	status, source, err := store.Load(ctx)
	if err != nil {
		r.logger.Error("%v -> relocated to default value", err)
		r.stats.TrackError("load")

		status, err = schema.Defaults(profile)
		if err != nil {
			return nil, err
		}
		source = SourceDefaults
	}
	r.stats.TrackOperationWithLatency(stats.OpLoad, uint64(time.Since(start).Nanoseconds()))
	r.stats.TrackLoad(source.String())

	r.status = status
	r.source = source
	r.logger.Info("Parameters loaded from %s", source)

	return r, nil
}

// Get implements Accessor.
func (r *Registry) Get(id Identifier, out *Value) error {
	if out == nil {
		return fmt.Errorf("%w: nil output value", ErrInvalidArgument)
	}

	r.mu.RLock()
	matched := r.status.Lookup(id, out)
	r.mu.RUnlock()

	if matched == 0 {
		r.stats.TrackOperation(stats.OpGetMiss)
		return nil
	}
	r.stats.TrackOperation(stats.OpGet)
	return nil
}

// Set implements Accessor. A save failure is logged and returned; the
// in-memory change is kept either way.
func (r *Registry) Set(ctx context.Context, id Identifier, v Value) error {
	if v.Kind != KindInt && v.Kind != KindString {
		return fmt.Errorf("%w: value has no kind", ErrInvalidArgument)
	}

	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	updated, skipped := r.status.Assign(id, v)
	if skipped > 0 {
		r.logger.Warn("Identifier %s has %d %s record(s) that cannot hold a %s value",
			r.schema.Name(id), skipped, otherKind(v.Kind), v.Kind)
	}
	if updated == 0 {
		r.logger.Debug("No record for identifier %s, saving unchanged status", r.schema.Name(id))
		r.stats.TrackOperation(stats.OpSetMiss)
	}

	err := r.saveLocked(ctx)
	r.stats.TrackOperationWithLatency(stats.OpSet, uint64(time.Since(start).Nanoseconds()))
	return err
}

// Save implements Accessor.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ctx)
}

func (r *Registry) saveLocked(ctx context.Context) error {
	start := time.Now()
	if err := r.store.Save(ctx, r.status); err != nil {
		r.logger.Error("Failed to save parameters: %v", err)
		r.stats.TrackError("save")
		return err
	}
	r.stats.TrackOperationWithLatency(stats.OpSave, uint64(time.Since(start).Nanoseconds()))
	r.stats.TrackBytes(true, BlockBufferSize)
	return nil
}

// SetInt stores an integer value
func (r *Registry) SetInt(ctx context.Context, id Identifier, v int32) error {
	return r.Set(ctx, id, IntValue(v))
}

// SetString stores a string value, truncated to StringSize-1 bytes
func (r *Registry) SetString(ctx context.Context, id Identifier, v string) error {
	return r.Set(ctx, id, StringValue(v))
}

// Int returns the integer recorded for id
func (r *Registry) Int(id Identifier) (int32, bool) {
	var v Value
	if err := r.Get(id, &v); err != nil || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// String returns the string recorded for id
func (r *Registry) String(id Identifier) (string, bool) {
	var v Value
	if err := r.Get(id, &v); err != nil || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Snapshot returns a copy of the current status
func (r *Registry) Snapshot() *Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Clone()
}

// Source reports where the status was loaded from
func (r *Registry) Source() Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// Schema returns the schema used for names and defaults
func (r *Registry) Schema() *Schema {
	return r.schema
}

// Stats returns the registry statistics
func (r *Registry) Stats() stats.Provider {
	return r.stats
}

// Dump lists every populated slot, integers first, in slot order.
func (r *Registry) Dump() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.status.Ints {
		if rec.ID == 0 {
			continue
		}
		out = append(out, Record{ID: rec.ID, Name: r.schema.Name(rec.ID), Value: IntValue(rec.Value)})
	}
	for _, rec := range r.status.Strings {
		if rec.ID == 0 {
			continue
		}
		out = append(out, Record{ID: rec.ID, Name: r.schema.Name(rec.ID), Value: StringValue(rec.Value)})
	}
	return out
}

// Inspect reports on the stored blocks. It waits for any save in progress.
func (r *Registry) Inspect(ctx context.Context) (*Inspection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, err := r.store.Inspect(ctx)
	if err != nil {
		r.stats.TrackError("inspect")
		return nil, err
	}
	r.stats.TrackOperation(stats.OpInspect)
	return report, nil
}

// Export writes the current status as a snapshot
func (r *Registry) Export(w io.Writer, codec Codec) error {
	if err := ExportStatus(w, r.Snapshot(), codec); err != nil {
		r.stats.TrackError("export")
		return err
	}
	r.stats.TrackOperation(stats.OpExport)
	return nil
}

// Import replaces the in-memory status with a snapshot and saves it. A
// snapshot whose sentinels do not match is rejected before anything changes.
func (r *Registry) Import(ctx context.Context, rd io.Reader) error {
	status, err := ImportStatus(rd)
	if err != nil {
		r.stats.TrackError("import")
		return err
	}
	if !status.Valid() {
		r.stats.TrackError("import")
		return fmt.Errorf("%w: magic %#x version %#x", ErrInvalidSnapshot, status.Magic, status.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = status
	r.stats.TrackOperation(stats.OpImport)
	return r.saveLocked(ctx)
}

func otherKind(k Kind) Kind {
	if k == KindInt {
		return KindString
	}
	return KindInt
}
