package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so point ids
// are derived deterministically from the logical id, which is kept in the
// payload for the return trip.
const payloadIDField = "_original_id"

// QdrantStore implements Store on a Qdrant instance, one collection per
// head named <prefix>_<head>.
type QdrantStore struct {
	client *qdrant.Client
	prefix string

	mu      sync.Mutex
	ensured map[string]bool
}

// QdrantConfig configures the connection. The Go client speaks Qdrant's
// gRPC API, which listens on port 6334 by default.
type QdrantConfig struct {
	Host             string
	Port             int
	APIKey           string
	UseTLS           bool
	CollectionPrefix string
}

// NewQdrantStore connects to Qdrant.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "mira"
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantStore{
		client:  client,
		prefix:  cfg.CollectionPrefix,
		ensured: make(map[string]bool),
	}, nil
}

func (s *QdrantStore) collection(head string) string {
	return s.prefix + "_" + head
}

// EnsureCollection creates the head's collection with cosine distance if it
// does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, head string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("collection for head %q requires dimension > 0", head)
	}

	s.mu.Lock()
	done := s.ensured[head]
	s.mu.Unlock()
	if done {
		return nil
	}

	name := s.collection(head)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	s.mu.Lock()
	s.ensured[head] = true
	s.mu.Unlock()
	return nil
}

func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert writes one point, idempotent by id.
func (s *QdrantStore) Upsert(ctx context.Context, head, id string, vec []float32, payload Payload) error {
	values := map[string]any{
		payloadIDField: id,
		"session_id":   payload.SessionID,
		"role":         payload.Role,
		"snippet":      payload.Snippet,
		"head":         payload.Head,
	}
	if len(payload.Tags) > 0 {
		tags := make([]any, len(payload.Tags))
		for i, t := range payload.Tags {
			tags[i] = t
		}
		values["tags"] = tags
	}

	vecCopy := make([]float32, len(vec))
	copy(vecCopy, vec)

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection(head),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(id)),
			Vectors: qdrant.NewVectorsDense(vecCopy),
			Payload: qdrant.NewValueMap(values),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", head, id, err)
	}
	return nil
}

// Search runs a filtered cosine query against the head's collection.
func (s *QdrantStore) Search(ctx context.Context, head string, query []float32, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		k = 10
	}

	var must []*qdrant.Condition
	if filter.SessionID != "" {
		must = append(must, qdrant.NewMatch("session_id", filter.SessionID))
	}
	for _, tag := range filter.Tags {
		must = append(must, qdrant.NewMatch("tags", tag))
	}
	var queryFilter *qdrant.Filter
	if len(must) > 0 {
		queryFilter = &qdrant.Filter{Must: must}
	}

	vecCopy := make([]float32, len(query))
	copy(vecCopy, query)
	limit := uint64(k)

	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection(head),
		Query:          qdrant.NewQueryDense(vecCopy),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", head, err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		r := Result{Score: float64(hit.Score)}
		for key, value := range hit.Payload {
			switch key {
			case payloadIDField:
				r.ID = value.GetStringValue()
			case "session_id":
				r.Payload.SessionID = value.GetStringValue()
			case "role":
				r.Payload.Role = value.GetStringValue()
			case "snippet":
				r.Payload.Snippet = value.GetStringValue()
			case "head":
				r.Payload.Head = value.GetStringValue()
			case "tags":
				for _, t := range value.GetListValue().GetValues() {
					r.Payload.Tags = append(r.Payload.Tags, t.GetStringValue())
				}
			}
		}
		if r.ID == "" {
			r.ID = hit.Id.GetUuid()
		}
		results = append(results, r)
	}

	sortResults(results)
	return results, nil
}

// Delete removes a point, idempotent.
func (s *QdrantStore) Delete(ctx context.Context, head, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection(head),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(id))),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", head, id, err)
	}
	return nil
}

// Close releases the client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// sortResults orders by descending score, ties broken by id.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
