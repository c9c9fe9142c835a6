// Package goldenset provides the shared, read-mostly reference of validated
// description to NCM/CEST associations.
package goldenset

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/store"
)

// DefaultSimilarityFloor is the minimum token overlap for a fuzzy hit.
const DefaultSimilarityFloor = 0.85

// defaultWriteTimeout bounds one store insert made under the index lock.
const defaultWriteTimeout = 5 * time.Second

// Match is a golden-set hit for one description.
type Match struct {
	Entry      model.GoldenSetEntry
	Similarity float64
	Exact      bool
}

// Confidence is the entry confidence discounted by the match similarity.
func (m *Match) Confidence() float64 {
	return m.Entry.Confidence * m.Similarity
}

type indexed struct {
	entry  model.GoldenSetEntry
	tokens map[string]struct{}
}

// Index holds the golden set in memory for concurrent lookups. Writes go to
// the backing store first and are serialized by the index lock.
type Index struct {
	mu      sync.RWMutex
	exact   map[string]int // normalized description -> first entry position
	keys    map[string]struct{}
	entries []indexed
	floor   float64
	repo    store.GoldenStore

	writeTimeout time.Duration
}

// NewIndex creates an empty index over repo. A non-positive floor selects
// DefaultSimilarityFloor.
func NewIndex(repo store.GoldenStore, floor float64) *Index {
	if floor <= 0 {
		floor = DefaultSimilarityFloor
	}
	return &Index{
		exact: make(map[string]int),
		keys:  make(map[string]struct{}),
		floor: floor,
		repo:  repo,

		writeTimeout: defaultWriteTimeout,
	}
}

// Load replaces the in-memory set with the active entries in the store.
func (x *Index) Load(ctx context.Context) error {
	start := time.Now()
	entries, err := x.repo.ListGolden(ctx)
	if err != nil {
		return eris.Wrapf(model.ErrStoreUnavailable, "goldenset: load: %v", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.exact = make(map[string]int, len(entries))
	x.keys = make(map[string]struct{}, len(entries))
	x.entries = x.entries[:0]
	for _, e := range entries {
		x.add(e)
	}

	zap.L().Info("goldenset: loaded",
		zap.Int("entries", len(x.entries)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// add indexes e. Callers hold the write lock.
func (x *Index) add(e model.GoldenSetEntry) {
	e.Description = Normalize(e.Description)
	if _, dup := x.keys[e.Key()]; dup {
		return
	}
	x.keys[e.Key()] = struct{}{}
	if _, ok := x.exact[e.Description]; !ok {
		x.exact[e.Description] = len(x.entries)
	}
	x.entries = append(x.entries, indexed{entry: e, tokens: Tokens(e.Description)})
}

// Len returns the number of indexed entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Lookup finds the golden entry for a description: exact match on the
// normalized text first, then the best token-overlap match at or above the
// similarity floor. Ties go to the earliest recorded entry. A miss returns a
// nil match and no error.
func (x *Index) Lookup(ctx context.Context, description string) (*Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "goldenset: lookup")
	}
	norm := Normalize(description)
	if norm == "" {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if i, ok := x.exact[norm]; ok {
		return &Match{Entry: x.entries[i].entry, Similarity: 1, Exact: true}, nil
	}

	tokens := Tokens(norm)
	best, bestSim := -1, 0.0
	for i := range x.entries {
		sim := Similarity(tokens, x.entries[i].tokens)
		if sim+1e-9 >= x.floor && sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best < 0 {
		return nil, nil
	}
	return &Match{Entry: x.entries[best].entry, Similarity: bestSim}, nil
}

// Record appends an entry, idempotent on the (description, NCM, CEST) triple.
// It reports whether the entry was new.
func (x *Index) Record(ctx context.Context, e model.GoldenSetEntry) (bool, error) {
	e.Description = Normalize(e.Description)
	if e.Description == "" || e.NCM == "" {
		return false, eris.New("goldenset: description and ncm are required")
	}
	if e.Confidence == 0 {
		e.Confidence = 1
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return false, eris.Errorf("goldenset: confidence %v outside [0,1]", e.Confidence)
	}
	if e.ApprovedAt.IsZero() {
		e.ApprovedAt = time.Now().UTC()
	}
	e.Active = true

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, dup := x.keys[e.Key()]; dup {
		return false, nil
	}
	wctx, cancel := context.WithTimeout(ctx, x.writeTimeout)
	defer cancel()
	created, err := x.repo.InsertGolden(wctx, e)
	if err != nil {
		return false, eris.Wrapf(model.ErrStoreUnavailable, "goldenset: record: %v", err)
	}
	x.add(e)

	if created {
		zap.L().Info("goldenset: entry recorded",
			zap.String("description", e.Description),
			zap.String("ncm", e.NCM),
			zap.String("cest", e.CEST),
			zap.String("approver", e.Approver),
		)
	}
	return created, nil
}
