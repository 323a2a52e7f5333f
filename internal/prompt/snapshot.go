package prompt

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// DemoRecord is the serialized form of an Example.
type DemoRecord struct {
	ID        string         `msgpack:"id,omitempty"`
	Data      map[string]any `msgpack:"data"`
	InputKeys []string       `msgpack:"input_keys"`
	Meta      map[string]any `msgpack:"meta,omitempty"`
}

// Snapshot captures the demonstrations and metadata of an optimized
// program so it can be persisted and later re-attached to a base program.
type Snapshot struct {
	Demos    []DemoRecord   `msgpack:"demos"`
	Metadata map[string]any `msgpack:"metadata,omitempty"`
}

// SnapshotOf records the demos of p and, for an OptimizedProgram, its
// metadata.
func SnapshotOf(p Program) Snapshot {
	demos := DemosOf(p)
	s := Snapshot{Demos: make([]DemoRecord, 0, len(demos))}
	for _, d := range demos {
		s.Demos = append(s.Demos, DemoRecord{
			ID:        d.ID(),
			Data:      d.Data(),
			InputKeys: d.InputKeys(),
			Meta:      d.Metadata(),
		})
	}
	if opt, ok := p.(*OptimizedProgram); ok {
		s.Metadata = opt.Metadata()
	}
	return s
}

// Examples rebuilds the demonstrations held by the snapshot.
func (s Snapshot) Examples() ([]Example, error) {
	out := make([]Example, 0, len(s.Demos))
	for i, rec := range s.Demos {
		ex, err := NewExample(rec.Data, rec.InputKeys...)
		if err != nil {
			return nil, fmt.Errorf("demo %d: %w", i, err)
		}
		if rec.ID != "" {
			ex = ex.WithID(rec.ID)
		}
		for k, v := range rec.Meta {
			ex = ex.WithMeta(k, v)
		}
		out = append(out, ex)
	}
	return out, nil
}

// Restore re-attaches the snapshot demos to base.
func (s Snapshot) Restore(base Program) (Program, error) {
	demos, err := s.Examples()
	if err != nil {
		return nil, err
	}
	meta := maps.Clone(s.Metadata)
	delete(meta, MetaDemoCount)
	return AttachDemos(base, demos, meta)
}

// EncodeSnapshot serializes a snapshot with msgpack.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a msgpack encoded snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
