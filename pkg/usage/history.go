package usage

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// MaxHistoryLength bounds the number of samples kept on disk.
const MaxHistoryLength = 400

// History is the bounded, newest-first sequence of samples of one site.
type History struct {
	samples []Sample
}

// NewHistory returns a history holding the given samples, newest first,
// trimmed to MaxHistoryLength.
func NewHistory(samples ...Sample) *History {
	if len(samples) > MaxHistoryLength {
		samples = samples[:MaxHistoryLength]
	}
	return &History{samples: append([]Sample(nil), samples...)}
}

type historyDocument struct {
	Version *string           `json:"VERSION"`
	History []json.RawMessage `json:"history"`
}

// ParseHistory decodes a history document. Empty input yields an empty
// history. A document of the wrong JSON shape fails with a wrapped
// *json.UnmarshalTypeError. Samples from versions that did not record an instance id are
// attributed to instanceID.
func ParseHistory(raw []byte, instanceID uuid.UUID) (*History, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &History{}, nil
	}
	var doc historyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Errorf("decode history document: %w", err)
	}
	if doc.Version == nil {
		if len(doc.History) == 0 {
			return &History{}, nil
		}
		return nil, &SchemaError{Key: "VERSION", Reason: "missing"}
	}
	version, err := ParseSchemaVersion(*doc.Version)
	if err != nil {
		return nil, err
	}

	h := &History{samples: make([]Sample, 0, min(len(doc.History), MaxHistoryLength))}
	for i, entry := range doc.History {
		if i == MaxHistoryLength {
			break
		}
		s, err := ParseSample(version, entry)
		if err != nil {
			return nil, xerrors.Errorf("history entry %d: %w", i, err)
		}
		if s.InstanceID == uuid.Nil {
			s.InstanceID = instanceID
		}
		h.samples = append(h.samples, s)
	}
	return h, nil
}

// AddSample prepends s unless a sample from the same UTC calendar day is
// already present; the existing sample wins. The oldest samples are dropped
// once the history exceeds MaxHistoryLength. It reports whether s was
// added.
func (h *History) AddSample(s Sample) bool {
	day := dayOf(s.SampleTime)
	for _, existing := range h.samples {
		if dayOf(existing.SampleTime) == day {
			return false
		}
	}
	h.samples = append([]Sample{s}, h.samples...)
	if len(h.samples) > MaxHistoryLength {
		h.samples = h.samples[:MaxHistoryLength]
	}
	return true
}

func (h *History) Len() int {
	return len(h.samples)
}

// Latest returns the newest sample.
func (h *History) Latest() (Sample, bool) {
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[0], true
}

// Samples returns a copy of the samples, newest first.
func (h *History) Samples() []Sample {
	return append([]Sample(nil), h.samples...)
}

// CountAt is a single (time, count) observation.
type CountAt struct {
	Time  time.Time
	Count int64
}

// ServiceCounts returns the billable service count of every sample, newest
// first.
func (h *History) ServiceCounts() []CountAt {
	out := make([]CountAt, 0, len(h.samples))
	for _, s := range h.samples {
		out = append(out, CountAt{Time: s.Time(), Count: s.NumServices})
	}
	return out
}

// ForReport encodes the history in the current schema version.
func (h *History) ForReport() map[string]any {
	entries := make([]map[string]any, 0, len(h.samples))
	for _, s := range h.samples {
		entries = append(entries, s.ForReport())
	}
	return map[string]any{
		"VERSION": string(CurrentSchema),
		"history": entries,
	}
}

// MarshalReport is ForReport encoded as JSON.
func (h *History) MarshalReport() ([]byte, error) {
	b, err := json.Marshal(h.ForReport())
	if err != nil {
		return nil, xerrors.Errorf("encode history: %w", err)
	}
	return b, nil
}

func dayOf(epoch int64) time.Time {
	return time.Unix(epoch, 0).UTC().Truncate(24 * time.Hour)
}
