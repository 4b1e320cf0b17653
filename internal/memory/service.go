package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/conarylabs/mira/internal/memory/embeddings"
	"github.com/conarylabs/mira/internal/memory/vector"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/pkg/models"
)

// ServiceConfig configures the memory service.
type ServiceConfig struct {
	// EmbedMinChars skips embedding for content shorter than this.
	EmbedMinChars int

	// ReembedAfter is the age after which the reconciliation job retries
	// messages that were persisted but never embedded.
	ReembedAfter time.Duration
}

// Service orchestrates the memory pipeline. Its two entry points are
// SaveMessage and BuildContext; everything else is plumbing around them.
//
// Save ordering: the relational append always happens before any embedding
// work, so a crash mid-save leaves the message persisted but unembedded.
// The reconciliation job re-embeds such messages later.
type Service struct {
	store      *Store
	vectors    vector.Store
	batcher    *embeddings.Batcher
	classifier *Classifier
	counter    *SessionCounter
	recall     *RecallEngine
	chunker    *Chunker
	heads      *HeadRegistry
	config     ServiceConfig
	logger     *observability.Logger

	// OnSummarizeTrigger fires when a session's count crosses a
	// summarization boundary. The job itself lives elsewhere.
	OnSummarizeTrigger func(sessionID string, count int64)

	// onSaved, when set, observes each persisted message.
	onSaved func(role models.Role, embedded bool)
}

// NewService wires the pipeline together.
func NewService(
	store *Store,
	vectors vector.Store,
	batcher *embeddings.Batcher,
	classifier *Classifier,
	counter *SessionCounter,
	recall *RecallEngine,
	chunker *Chunker,
	heads *HeadRegistry,
	config ServiceConfig,
	logger *observability.Logger,
) *Service {
	if config.EmbedMinChars <= 0 {
		config.EmbedMinChars = 10
	}
	if config.ReembedAfter <= 0 {
		config.ReembedAfter = time.Hour
	}
	return &Service{
		store:      store,
		vectors:    vectors,
		batcher:    batcher,
		classifier: classifier,
		counter:    counter,
		recall:     recall,
		chunker:    chunker,
		heads:      heads,
		config:     config,
		logger:     logger,
	}
}

// SetSaveObserver registers a callback invoked after every save.
func (s *Service) SetSaveObserver(fn func(role models.Role, embedded bool)) {
	s.onSaved = fn
}

// EnsureCollections creates every enabled head's vector collection.
func (s *Service) EnsureCollections(ctx context.Context) error {
	for _, name := range s.heads.Names() {
		head, _ := s.heads.Get(name)
		if err := s.vectors.EnsureCollection(ctx, name, head.Dimension); err != nil {
			return fmt.Errorf("ensure collection for head %s: %w", name, err)
		}
	}
	return nil
}

// SaveMessage persists one message and routes it through classification and
// embedding. The returned id is valid even when embedding was skipped or
// failed; embedding failures are retried by Reconcile, never surfaced here.
func (s *Service) SaveMessage(ctx context.Context, sessionID string, role models.Role, content string, tags []string) (int64, error) {
	entry, err := s.store.Append(ctx, sessionID, role, content, tags)
	if err != nil {
		return 0, err
	}

	count, summarize := s.counter.Increment(sessionID)
	if summarize && s.OnSummarizeTrigger != nil {
		go s.OnSummarizeTrigger(sessionID, count)
	}

	classification := s.classifier.Classify(ctx, content, role, tags)

	embedded := false
	if s.shouldEmbed(classification, content) {
		if err := s.embedEntry(ctx, entry, classification.SuggestedHeads); err != nil {
			s.logger.Warn(ctx, "embedding failed, message stored unembedded",
				"message_id", entry.ID, "error", err)
		} else {
			embedded = true
		}
	}

	if s.onSaved != nil {
		s.onSaved(role, embedded)
	}

	// Deeper analysis attaches asynchronously; the save path never waits
	// on it.
	go s.attachAnalysis(entry.ID, classification)

	return entry.ID, nil
}

func (s *Service) shouldEmbed(classification models.Classification, content string) bool {
	if len(content) < s.config.EmbedMinChars {
		return false
	}
	return len(classification.SuggestedHeads) > 0
}

// embedEntry chunks the content per head policy, embeds all chunks in one
// batched call, and upserts each vector. The embedding flag flips only
// after every upsert succeeded.
func (s *Service) embedEntry(ctx context.Context, entry *models.MemoryEntry, headNames []string) error {
	type pending struct {
		head    Head
		pointID string
		snippet string
	}

	var texts []string
	var points []pending
	for _, name := range headNames {
		head, ok := s.heads.Get(name)
		if !ok {
			continue
		}
		chunks := s.chunker.Chunk(entry.Content, head)
		for i, chunk := range chunks {
			pointID := strconv.FormatInt(entry.ID, 10)
			if len(chunks) > 1 {
				pointID = pointID + ":" + strconv.Itoa(i)
			}
			texts = append(texts, chunk)
			points = append(points, pending{head: head, pointID: pointID, snippet: snippet(chunk)})
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := s.batcher.EmbedTexts(ctx, texts)
	if err != nil {
		return err
	}

	for i, point := range points {
		payload := vector.Payload{
			SessionID: entry.SessionID,
			Role:      string(entry.Role),
			Snippet:   point.snippet,
			Tags:      entry.Tags,
			Head:      point.head.Name,
		}
		if err := s.vectors.Upsert(ctx, point.head.Name, point.pointID, vectors[i], payload); err != nil {
			return fmt.Errorf("upsert point %s: %w", point.pointID, err)
		}
	}

	return s.store.MarkHasEmbedding(ctx, entry.ID)
}

func (s *Service) attachAnalysis(id int64, classification models.Classification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.store.AttachAnalysis(ctx, id, classification.Salience, classification.IsCode,
		classification.Topics, classification.SuggestedHeads)
	if err != nil {
		s.logger.Warn(ctx, "attach analysis failed", "message_id", id, "error", err)
	}
}

// BuildContext is a thin wrapper over the recall engine.
func (s *Service) BuildContext(ctx context.Context, sessionID, query string) (*models.RecallContext, error) {
	return s.recall.BuildContext(ctx, sessionID, query)
}

// Counter exposes the session counter to callers that seed or inspect it.
func (s *Service) Counter() *SessionCounter { return s.counter }

// Store exposes the message store for session listing and history commands.
func (s *Service) Store() *Store { return s.store }

// Reconcile re-embeds messages whose embedding never landed. It runs from
// the background scheduler.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	entries, err := s.store.LoadUnembedded(ctx, time.Now().Add(-s.config.ReembedAfter), 100)
	if err != nil {
		return 0, err
	}
	reembedded := 0
	for i := range entries {
		entry := &entries[i]
		classification := s.classifier.Classify(ctx, entry.Content, entry.Role, entry.Tags)
		if !s.shouldEmbed(classification, entry.Content) {
			continue
		}
		if err := s.embedEntry(ctx, entry, classification.SuggestedHeads); err != nil {
			s.logger.Warn(ctx, "reconcile embedding failed", "message_id", entry.ID, "error", err)
			continue
		}
		reembedded++
	}
	return reembedded, nil
}

// DeactivateIdleSessions flips sessions idle past the cutoff to inactive in
// both the store and the counter.
func (s *Service) DeactivateIdleSessions(ctx context.Context, idleAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-idleAge)
	n, err := s.store.DeactivateIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.counter.Cleanup(cutoff)
	return n, nil
}

func snippet(content string) string {
	const maxSnippet = 240
	runes := []rune(content)
	if len(runes) <= maxSnippet {
		return content
	}
	return string(runes[:maxSnippet])
}
