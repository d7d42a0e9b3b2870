// Package memory models the episodic and semantic records agents accumulate
// across deployments, plus the similarity ranking used for recall.
package memory

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes a memory entry.
type Kind string

const (
	// KindEpisodic records one specific execution outcome.
	KindEpisodic Kind = "episodic"
	// KindSemantic records a generalized pattern and its lesson.
	KindSemantic Kind = "semantic"
)

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	return k == KindEpisodic || k == KindSemantic
}

// Outcome is the result a memory entry records.
type Outcome struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Outcome status values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Resolution markers recorded when a failure was later overcome.
const (
	ResolvedByRetry  = "retry"
	ResolvedByReplan = "replan"
)

// Entry is a single agent memory. Entries are immutable after write;
// episodic entries expire, semantic entries persist until invalidated.
type Entry struct {
	ID        string            `json:"memory_id"`
	Agent     string            `json:"agent"`
	Kind      Kind              `json:"kind"`
	Event     string            `json:"event"`
	Context   map[string]string `json:"context,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Pattern   string            `json:"pattern,omitempty"`
	Lesson    string            `json:"lesson,omitempty"`
	Embedding []float32         `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// NewEpisodic builds an episodic entry that expires after ttl. A zero ttl
// means the entry never expires.
func NewEpisodic(agent, event string, ctx map[string]string, out Outcome, ttl time.Duration) Entry {
	now := time.Now().UTC()
	e := Entry{
		ID:        uuid.New().String(),
		Agent:     agent,
		Kind:      KindEpisodic,
		Event:     event,
		Context:   ctx,
		Outcome:   out,
		Timestamp: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	return e
}

// NewSemantic builds a semantic entry carrying a learned pattern.
func NewSemantic(agent, pattern, lesson string, ctx map[string]string) Entry {
	return Entry{
		ID:        uuid.New().String(),
		Agent:     agent,
		Kind:      KindSemantic,
		Event:     "pattern: " + pattern,
		Context:   ctx,
		Pattern:   pattern,
		Lesson:    lesson,
		Outcome:   Outcome{Status: OutcomeSuccess},
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks that an entry is storable.
func (e *Entry) Validate() error {
	if e.Agent == "" {
		return errors.New("agent is required")
	}
	if e.Event == "" {
		return errors.New("event is required")
	}
	if !e.Kind.Valid() {
		return errors.New("invalid kind: must be episodic or semantic")
	}
	return nil
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// PlanID returns the plan this entry references, if any.
func (e *Entry) PlanID() string {
	if e.Context == nil {
		return ""
	}
	return e.Context["plan_id"]
}

// searchText is the haystack recall matches queries against.
func (e *Entry) searchText() string {
	var b strings.Builder
	b.WriteString(e.Event)
	for _, v := range e.Context {
		b.WriteByte(' ')
		b.WriteString(v)
	}
	b.WriteByte(' ')
	b.WriteString(e.Outcome.Status)
	b.WriteByte(' ')
	b.WriteString(e.Outcome.Error)
	if e.Lesson != "" {
		b.WriteByte(' ')
		b.WriteString(e.Lesson)
	}
	return b.String()
}

func tokenize(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:()[]{}\"'")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// TokenOverlap returns the Jaccard similarity of the lowercased token sets
// of a and b.
func TokenOverlap(a, b string) float64 {
	sa, sb := tokenize(a), tokenize(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if sb[tok] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Score rates how well the entry matches the query: cosine over embeddings
// when both sides carry one, token overlap otherwise.
func (e *Entry) Score(query string, queryVec []float32) float64 {
	if len(queryVec) > 0 && len(e.Embedding) > 0 {
		return Cosine(e.Embedding, queryVec)
	}
	return TokenOverlap(query, e.searchText())
}

// Rank orders entries by query relevance, most relevant first, recency
// breaking ties, and returns at most limit entries. Zero-score entries are
// dropped.
func Rank(entries []Entry, query string, queryVec []float32, limit int) []Entry {
	type scored struct {
		entry Entry
		score float64
	}
	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		s := e.Score(query, queryVec)
		if s <= 0 {
			continue
		}
		ranked = append(ranked, scored{e, s})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].entry.Timestamp.After(ranked[j].entry.Timestamp)
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Entry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}
