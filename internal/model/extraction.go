package model

import (
	"sort"
	"time"
)

// Candidate is one field value proposed by an intent extractor.
type Candidate struct {
	Field      Field   `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Extraction is an extractor's best guess at the structured content of a message.
// It is never authoritative.
type Extraction struct {
	Provider   string      `json:"provider"`
	Candidates []Candidate `json:"candidates"`
}

// Best returns the highest-confidence candidate for field at or above minConfidence.
func (e Extraction) Best(field Field, minConfidence float64) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range e.Candidates {
		if c.Field != field || c.Value == "" || c.Confidence < minConfidence {
			continue
		}
		if !found || c.Confidence > best.Confidence {
			best = c
			found = true
		}
	}
	return best, found
}

// Fields lists the distinct fields present, sorted for stable logging.
func (e Extraction) Fields() []Field {
	seen := make(map[Field]struct{}, len(e.Candidates))
	fields := make([]Field, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		if _, ok := seen[c.Field]; ok {
			continue
		}
		seen[c.Field] = struct{}{}
		fields = append(fields, c.Field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// Hint biases an extractor towards the field the conversation is waiting for.
type Hint struct {
	ReferenceTime time.Time
	Expecting     Field
	Locale        string
}
