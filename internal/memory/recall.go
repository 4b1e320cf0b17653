package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/conarylabs/mira/internal/memory/embeddings"
	"github.com/conarylabs/mira/internal/memory/vector"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

// RecallConfig tunes the fusion of recent and semantic lookups.
type RecallConfig struct {
	RecentCount   int
	SemanticCount int
	KPerHead      int

	// Fusion weights; must sum to 1.
	WeightRecency    float64
	WeightSimilarity float64
	WeightSalience   float64
}

func (c RecallConfig) withDefaults() RecallConfig {
	if c.RecentCount <= 0 {
		c.RecentCount = 10
	}
	if c.SemanticCount <= 0 {
		c.SemanticCount = 10
	}
	if c.KPerHead <= 0 {
		c.KPerHead = 10
	}
	if c.WeightRecency == 0 && c.WeightSimilarity == 0 && c.WeightSalience == 0 {
		c.WeightRecency, c.WeightSimilarity, c.WeightSalience = 0.3, 0.5, 0.2
	}
	return c
}

// RecallEngine answers the central query primitive: given a session and a
// query, return a ranked, de-duplicated recent ∪ semantic context.
type RecallEngine struct {
	store   *Store
	vectors vector.Store
	batcher *embeddings.Batcher
	heads   *HeadRegistry
	config  RecallConfig
	logger  *observability.Logger

	// onDuration, when set, observes each build's latency.
	onDuration func(time.Duration)
}

// NewRecallEngine composes the three lookups.
func NewRecallEngine(store *Store, vectors vector.Store, batcher *embeddings.Batcher, heads *HeadRegistry, config RecallConfig, logger *observability.Logger) *RecallEngine {
	return &RecallEngine{
		store:   store,
		vectors: vectors,
		batcher: batcher,
		heads:   heads,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

// SetDurationObserver registers a latency callback.
func (e *RecallEngine) SetDurationObserver(fn func(time.Duration)) {
	e.onDuration = fn
}

// BuildContext assembles the recall context. The recent list preserves real
// chronology (oldest first); the semantic list is a score-descending
// ranking. A message never appears in both: recent wins.
func (e *RecallEngine) BuildContext(ctx context.Context, sessionID, query string) (*models.RecallContext, error) {
	start := time.Now()
	defer func() {
		if e.onDuration != nil {
			e.onDuration(time.Since(start))
		}
	}()

	recent, err := e.store.LoadRecent(ctx, sessionID, e.config.RecentCount)
	if err != nil {
		return nil, fmt.Errorf("recall recent pool: %w", err)
	}

	recentIDs := make(map[int64]bool, len(recent))
	for _, entry := range recent {
		recentIDs[entry.ID] = true
	}

	semantic, err := e.semanticPool(ctx, sessionID, query, recentIDs)
	if err != nil {
		// Semantic lookup failure degrades to recency-only context; a
		// recall miss must not take the operation down with it.
		if e.logger != nil {
			e.logger.Warn(ctx, "semantic recall failed, returning recent-only context", "error", err)
		}
		semantic = nil
	}

	// LoadRecent is newest-first; flip to chronological order.
	chronological := make([]models.MemoryEntry, len(recent))
	for i, entry := range recent {
		chronological[len(recent)-1-i] = entry
	}

	if len(semantic) > e.config.SemanticCount {
		semantic = semantic[:e.config.SemanticCount]
	}

	return &models.RecallContext{
		Recent:   chronological,
		Semantic: semantic,
	}, nil
}

// semanticPool embeds the query once, fans out across the enabled heads,
// unions hits by message id keeping the maximum similarity, enriches from
// the message store, and ranks by the fused score.
func (e *RecallEngine) semanticPool(ctx context.Context, sessionID, query string, recentIDs map[int64]bool) ([]models.ScoredEntry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	queryVec, err := e.batcher.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	similarity := make(map[int64]float64)
	for _, head := range e.heads.Names() {
		hits, err := e.vectors.Search(ctx, head, queryVec, e.config.KPerHead, vector.Filter{SessionID: sessionID})
		if err != nil {
			return nil, fmt.Errorf("search head %s: %w", head, err)
		}
		for _, hit := range hits {
			id, ok := parsePointID(hit.ID)
			if !ok {
				continue
			}
			if hit.Score > similarity[id] {
				similarity[id] = hit.Score
			}
		}
	}

	ids := make([]int64, 0, len(similarity))
	for id := range similarity {
		if recentIDs[id] {
			continue // recent wins
		}
		ids = append(ids, id)
	}
	entries, err := e.store.LoadByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("enrich semantic hits: %w", err)
	}

	scored := make([]models.ScoredEntry, 0, len(entries))
	for id, entry := range entries {
		salience := 0.5
		if entry.Salience != nil {
			salience = *entry.Salience
		}
		score := e.config.WeightSimilarity*similarity[id] + e.config.WeightSalience*salience
		scored = append(scored, models.ScoredEntry{Entry: entry, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})
	return scored, nil
}

// RecencyScore converts a 0-based age rank (0 = newest) into the recency
// component of the fusion score.
func RecencyScore(ageRank int) float64 {
	return 1.0 / float64(1+ageRank)
}

// parsePointID recovers the message id from a point id, which is either the
// bare id or "<id>:<chunk>" for chunked messages.
func parsePointID(point string) (int64, bool) {
	base := point
	if i := strings.IndexByte(point, ':'); i >= 0 {
		base = point[:i]
	}
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
