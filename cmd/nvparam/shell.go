package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/KevoDB/nvparam/pkg/param"
	"github.com/KevoDB/nvparam/pkg/server"
)

const helpText = `
nvparam - boot parameter partition tool

Commands:
  GET name                - Show a parameter, by name or numeric identifier
  SET name value          - Assign a parameter and save the partition
  SAVE                    - Save the current parameters
  DUMP                    - List every populated parameter

  .inspect                - Report on the MAIN and BACKUP blocks
  .stats                  - Show operation statistics (local only)
  .export FILE [codec]    - Write a snapshot; codec is none, zstd or snappy (local only)
  .import FILE            - Replace the parameters from a snapshot and save (local only)
  .help                   - Show this help message
  .exit                   - Exit the program
`

var errNotFound = errors.New("no such parameter")

// backend is what the shell drives, either a local registry or a remote server.
type backend interface {
	Get(ctx context.Context, name string) (param.Value, error)
	Set(ctx context.Context, name, text string) error
	Save(ctx context.Context) error
	Dump(ctx context.Context) (map[string]any, error)
	Inspect(ctx context.Context) (map[string]any, error)
}

type localBackend struct {
	registry *param.Registry
}

func newLocalBackend(registry *param.Registry) *localBackend {
	return &localBackend{registry: registry}
}

func (b *localBackend) Get(_ context.Context, name string) (param.Value, error) {
	id, err := b.registry.Schema().Resolve(name)
	if err != nil {
		return param.Value{}, err
	}
	var v param.Value
	if err := b.registry.Get(id, &v); err != nil {
		return param.Value{}, err
	}
	if v.Kind == 0 {
		return param.Value{}, errNotFound
	}
	return v, nil
}

func (b *localBackend) Set(ctx context.Context, name, text string) error {
	schema := b.registry.Schema()
	id, err := schema.Resolve(name)
	if err != nil {
		return err
	}
	v, err := schema.ParseValue(id, text)
	if err != nil {
		return err
	}
	return b.registry.Set(ctx, id, v)
}

func (b *localBackend) Save(ctx context.Context) error {
	return b.registry.Save(ctx)
}

func (b *localBackend) Dump(context.Context) (map[string]any, error) {
	return server.DumpFields(b.registry.Dump()), nil
}

func (b *localBackend) Inspect(ctx context.Context) (map[string]any, error) {
	report, err := b.registry.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	return server.InspectionFields(report), nil
}

type remoteBackend struct {
	client *server.Client
}

func newRemoteBackend(client *server.Client) *remoteBackend {
	return &remoteBackend{client: client}
}

func (b *remoteBackend) Get(ctx context.Context, name string) (param.Value, error) {
	return b.client.Get(ctx, name)
}

func (b *remoteBackend) Set(ctx context.Context, name, text string) error {
	return b.client.Set(ctx, name, text)
}

func (b *remoteBackend) Save(ctx context.Context) error {
	return b.client.Save(ctx)
}

func (b *remoteBackend) Dump(ctx context.Context) (map[string]any, error) {
	return b.client.Dump(ctx)
}

func (b *remoteBackend) Inspect(ctx context.Context) (map[string]any, error) {
	return b.client.Inspect(ctx)
}

// shell parses and runs one command line at a time.
type shell struct {
	backend  backend
	registry *param.Registry // nil when connected to a remote server
	out      io.Writer

	name *color.Color
	ok   *color.Color
	bad  *color.Color
	warn *color.Color
}

func newShell(b backend, registry *param.Registry) *shell {
	return &shell{
		backend:  b,
		registry: registry,
		out:      os.Stdout,
		name:     color.New(color.FgCyan),
		ok:       color.New(color.FgGreen),
		bad:      color.New(color.FgRed),
		warn:     color.New(color.FgYellow),
	}
}

// Execute runs line and reports whether the shell should exit.
func (s *shell) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(s.out, helpText)
		case ".exit":
			fmt.Fprintln(s.out, "Goodbye!")
			return true
		case ".inspect":
			s.inspect(ctx)
		case ".stats":
			s.stats()
		case ".export":
			s.export(parts[1:])
		case ".import":
			s.importSnapshot(ctx, parts[1:])
		default:
			s.fail("Unknown command: %s", parts[0])
		}
		return false
	}

	switch cmd {
	case "GET":
		if len(parts) != 2 {
			s.fail("Usage: GET name")
			return false
		}
		v, err := s.backend.Get(ctx, parts[1])
		if err != nil {
			s.fail("Error: %v", err)
			return false
		}
		s.name.Fprintf(s.out, "%s", strings.ToUpper(parts[1]))
		fmt.Fprintf(s.out, " = %s\n", formatValue(v))

	case "SET":
		if len(parts) < 3 {
			s.fail("Usage: SET name value")
			return false
		}
		// String values may contain spaces, e.g. a kernel command line.
		rest := strings.TrimSpace(line[len(parts[0]):])
		text := strings.TrimSpace(rest[len(parts[1]):])
		if err := s.backend.Set(ctx, parts[1], text); err != nil {
			s.fail("Error: %v", err)
			return false
		}
		s.ok.Fprintln(s.out, "Value saved")

	case "SAVE":
		if err := s.backend.Save(ctx); err != nil {
			s.fail("Error: %v", err)
			return false
		}
		s.ok.Fprintln(s.out, "Parameters saved")

	case "DUMP":
		fields, err := s.backend.Dump(ctx)
		if err != nil {
			s.fail("Error: %v", err)
			return false
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s.name.Fprintf(s.out, "%-22s", name)
			fmt.Fprintf(s.out, " %s\n", formatField(fields[name]))
		}
		fmt.Fprintf(s.out, "%d parameter(s)\n", len(names))

	default:
		s.fail("Unknown command: %s", parts[0])
	}
	return false
}

func (s *shell) inspect(ctx context.Context) {
	report, err := s.backend.Inspect(ctx)
	if err != nil {
		s.fail("Error: %v", err)
		return
	}

	fmt.Fprintf(s.out, "Partition %v, first block %v\n", report["partition_id"], report["first_block"])
	blocks, _ := report["blocks"].([]any)
	for _, b := range blocks {
		info, ok := b.(map[string]any)
		if !ok {
			continue
		}
		state := s.ok.Sprint("valid")
		switch {
		case info["erased"] == true:
			state = s.warn.Sprint("erased")
		case info["valid"] != true:
			state = s.bad.Sprint("invalid")
		}
		fmt.Fprintf(s.out, "  %-7v %s magic=%v version=%v fingerprint=%v\n",
			info["offset"], state, info["magic"], info["version"], info["fingerprint"])
	}
}

func (s *shell) stats() {
	if s.registry == nil {
		s.fail("Statistics are only available for a local device")
		return
	}

	stats := s.registry.Stats().GetStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(s.out, "Loaded from: %s\n", s.registry.Source())
	for _, k := range keys {
		switch v := stats[k].(type) {
		case map[string]uint64:
			if len(v) == 0 {
				continue
			}
			fmt.Fprintf(s.out, "%s:\n", k)
			inner := make([]string, 0, len(v))
			for name := range v {
				inner = append(inner, name)
			}
			sort.Strings(inner)
			for _, name := range inner {
				fmt.Fprintf(s.out, "  %-20s %d\n", name, v[name])
			}
		default:
			fmt.Fprintf(s.out, "%-22s %v\n", k, v)
		}
	}
}

func (s *shell) export(args []string) {
	if s.registry == nil {
		s.fail("Export is only available for a local device")
		return
	}
	if len(args) < 1 || len(args) > 2 {
		s.fail("Usage: .export FILE [none|zstd|snappy]")
		return
	}

	codec := param.CodecZstd
	if len(args) == 2 {
		var err error
		if codec, err = param.ParseCodec(args[1]); err != nil {
			s.fail("Error: %v", err)
			return
		}
	}

	f, err := os.Create(args[0])
	if err != nil {
		s.fail("Error: %v", err)
		return
	}
	if err := s.registry.Export(f, codec); err != nil {
		f.Close()
		s.fail("Error: %v", err)
		return
	}
	if err := f.Close(); err != nil {
		s.fail("Error: %v", err)
		return
	}
	s.ok.Fprintf(s.out, "Snapshot written to %s (%s)\n", args[0], codec)
}

func (s *shell) importSnapshot(ctx context.Context, args []string) {
	if s.registry == nil {
		s.fail("Import is only available for a local device")
		return
	}
	if len(args) != 1 {
		s.fail("Usage: .import FILE")
		return
	}

	f, err := os.Open(args[0])
	if err != nil {
		s.fail("Error: %v", err)
		return
	}
	defer f.Close()

	if err := s.registry.Import(ctx, f); err != nil {
		s.fail("Error: %v", err)
		return
	}
	s.ok.Fprintf(s.out, "Snapshot imported from %s\n", args[0])
}

func (s *shell) fail(format string, args ...any) {
	s.bad.Fprintf(s.out, format+"\n", args...)
}

func formatValue(v param.Value) string {
	if v.Kind == param.KindString {
		return fmt.Sprintf("%q", v.Str)
	}
	return fmt.Sprintf("%d (%#x)", v.Int, uint32(v.Int))
}

func formatField(v any) string {
	switch x := v.(type) {
	case float64:
		return formatValue(param.IntValue(int32(x)))
	case string:
		return formatValue(param.StringValue(x))
	default:
		return fmt.Sprint(x)
	}
}
