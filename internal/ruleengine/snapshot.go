package ruleengine

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Snapshot is an immutable, fully built set of flags and segments. The
// serving layer swaps whole snapshots atomically; the engine only ever reads
// one snapshot per call, so it never observes a partial update.
type Snapshot struct {
	Version   int64               `json:"version"`
	Checksum  string              `json:"checksum,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	Flags     map[string]*Flag    `json:"flags"`
	Segments  map[string]*Segment `json:"segments"`

	// segmentIndex resolves strategy references by id or by name.
	segmentIndex map[string]*Segment
}

// NewSnapshot builds a snapshot from compiled flags and segments.
// Nil entries are ignored.
func NewSnapshot(version int64, flags []*Flag, segments []*Segment) *Snapshot {
	snap := &Snapshot{
		Version:   version,
		CreatedAt: time.Now().UTC(),
		Flags:     make(map[string]*Flag, len(flags)),
		Segments:  make(map[string]*Segment, len(segments)),
	}
	for _, f := range flags {
		if f != nil {
			snap.Flags[f.Name] = f
		}
	}
	for _, s := range segments {
		if s != nil {
			snap.Segments[s.ID] = s
		}
	}
	snap.index()
	return snap
}

// DecodeSnapshot parses a serialized snapshot and compiles its flags.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot document: %w", err)
	}
	if snap.Flags == nil {
		snap.Flags = map[string]*Flag{}
	}
	if snap.Segments == nil {
		snap.Segments = map[string]*Segment{}
	}

	for name, f := range snap.Flags {
		if f == nil {
			delete(snap.Flags, name)
			continue
		}
		if _, err := Compile(f); err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", snap.Version, err)
		}
	}
	snap.index()
	return &snap, nil
}

func (s *Snapshot) index() {
	s.segmentIndex = buildSegmentIndex(s.Segments)
}

func buildSegmentIndex(segments map[string]*Segment) map[string]*Segment {
	idx := make(map[string]*Segment, len(segments)*2)
	for _, seg := range segments {
		if seg != nil && seg.Name != "" {
			idx[seg.Name] = seg
		}
	}
	// Ids win over names on collision.
	for id, seg := range segments {
		if seg != nil {
			idx[id] = seg
		}
	}
	return idx
}

// Flag returns the flag with the given name.
func (s *Snapshot) Flag(name string) (*Flag, bool) {
	f, ok := s.Flags[name]
	return f, ok && f != nil
}

// FlagNames returns all flag names in lexical order.
func (s *Snapshot) FlagNames() []string {
	return slices.Sorted(maps.Keys(s.Flags))
}

// SegmentIndex returns the lookup table strategies resolve segment
// references against. Callers must not modify it.
func (s *Snapshot) SegmentIndex() map[string]*Segment {
	if s.segmentIndex == nil {
		// Snapshot built as a literal; index without caching so concurrent
		// readers never write.
		return buildSegmentIndex(s.Segments)
	}
	return s.segmentIndex
}
