// Package vector is the boundary to the external similarity index.
// Index failures are transient by definition: the index is rebuildable
// from the store and outages are retried by the job machinery.
package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/config"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wmodels "github.com/weaviate/weaviate/entities/models"
)

// Document is one item vector with its searchable metadata.
type Document struct {
	ID         string
	Vector     []float32
	Properties map[string]interface{}
}

// Match is one query result.
type Match struct {
	ID         string
	Certainty  float64
	Properties map[string]interface{}
}

// Index is the similarity-search boundary used by handlers. Tests
// substitute a fake.
type Index interface {
	Upsert(ctx context.Context, docs []Document) error
	Query(ctx context.Context, vec []float32, clientID string, limit int) ([]Match, error)
}

// Weaviate implements Index against a Weaviate instance.
type Weaviate struct {
	client *weaviate.Client
	class  string
}

// NewWeaviate connects to the configured Weaviate instance and ensures
// the item class exists.
func NewWeaviate(ctx context.Context, cfg config.VectorConfig) (*Weaviate, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: new client: %w", err)
	}
	w := &Weaviate{client: client, class: cfg.Class}
	if err := w.ensureClass(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// ensureClass creates the item class with an externally supplied vector.
func (w *Weaviate) ensureClass(ctx context.Context) error {
	class := &wmodels.Class{
		Class:       w.class,
		Description: "Codebook item vectors for semantic search",
		Vectorizer:  "none",
	}
	err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return apperr.MarkTransient(fmt.Errorf("vector: ensure class %s: %w", w.class, err))
	}
	return nil
}

// Upsert writes documents in one batch. Weaviate treats a batched
// object with an existing ID as a replacement, which gives us upsert
// semantics for re-indexed items.
func (w *Weaviate) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	objects := make([]*wmodels.Object, len(docs))
	for i, doc := range docs {
		objects[i] = &wmodels.Object{
			Class:      w.class,
			ID:         strfmt.UUID(doc.ID),
			Properties: doc.Properties,
			Vector:     wmodels.C11yVector(doc.Vector),
		}
	}
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return apperr.MarkTransient(fmt.Errorf("vector: upsert %d documents: %w", len(docs), err))
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return apperr.MarkTransient(fmt.Errorf("vector: upsert %s: %s", r.ID, r.Result.Errors.Error[0].Message))
		}
	}
	return nil
}

// Query returns the closest documents for a vector, filtered to one
// client so tenants never see each other's items.
func (w *Weaviate) Query(ctx context.Context, vec []float32, clientID string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	where := filters.Where().
		WithPath([]string{"clientId"}).
		WithOperator(filters.Equal).
		WithValueString(clientID)

	fields := []graphql.Field{
		{Name: "itemId"},
		{Name: "code"},
		{Name: "label"},
		{Name: "description"},
		{Name: "application"},
		{Name: "csiSection"},
		{Name: "clientId"},
		{Name: "_additional { id certainty }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, apperr.MarkTransient(fmt.Errorf("vector: query: %w", err))
	}
	if len(result.Errors) > 0 {
		return nil, apperr.MarkTransient(fmt.Errorf("vector: query: %s", result.Errors[0].Message))
	}

	return parseMatches(result, w.class)
}

// parseMatches unpacks the GraphQL response into Match values.
func parseMatches(result *wmodels.GraphQLResponse, class string) ([]Match, error) {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rows, ok := get[class].([]interface{})
	if !ok {
		return nil, nil
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		m := Match{Properties: map[string]interface{}{}}
		for k, v := range props {
			if k == "_additional" {
				if add, ok := v.(map[string]interface{}); ok {
					if id, ok := add["id"].(string); ok {
						m.ID = id
					}
					if c, ok := add["certainty"].(float64); ok {
						m.Certainty = c
					}
				}
				continue
			}
			m.Properties[k] = v
		}
		matches = append(matches, m)
	}
	return matches, nil
}
