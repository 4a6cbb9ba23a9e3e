// Package store is the document store every other component persists
// through. Documents are JSON objects addressed by (collection, key).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
)

const (
	UserStates     = "user_states"
	UserProfiles   = "user_profiles"
	Activities     = "activities"
	Messages       = "messages"
	Entities       = "entities"
	SystemMemories = "system_memories"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("store unavailable")
)

var fieldNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query selects documents by top-level field equality.
type Query struct {
	Filter map[string]any
	Sort   string
	Desc   bool
	Limit  int
}

type Store interface {
	Get(ctx context.Context, collection, key string, out any) error
	Upsert(ctx context.Context, collection, key string, doc any) error
	// AppendToArray appends value to the array field of a document, keeping
	// only the newest capacity elements when capacity > 0. Missing
	// documents are created.
	AppendToArray(ctx context.Context, collection, key, field string, value any, capacity int) error
	Find(ctx context.Context, collection string, q Query) ([]json.RawMessage, error)
	Keys(ctx context.Context, collection string) ([]string, error)
	Count(ctx context.Context, collection string, filter map[string]any) (int, error)
	Close() error
}

// FindAs runs a query and decodes every document into T.
func FindAs[T any](ctx context.Context, s Store, collection string, q Query) ([]T, error) {
	raws, err := s.Find(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn().Str("component", "store").Str("collection", collection).Err(err).Msg("skipping undecodable document")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteWithRetry runs a write and retries it once on failure.
func WriteWithRetry(ctx context.Context, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if retryErr := write(ctx); retryErr != nil {
		return fmt.Errorf("write failed twice: %w", retryErr)
	}
	return nil
}

func validateQuery(q Query) error {
	for field := range q.Filter {
		if !fieldNameRegex.MatchString(field) {
			return fmt.Errorf("invalid filter field %q", field)
		}
	}
	if q.Sort != "" && !fieldNameRegex.MatchString(q.Sort) {
		return fmt.Errorf("invalid sort field %q", q.Sort)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// appendCapped appends value to the field array of doc and trims it.
func appendCapped(doc map[string]any, field string, value any, capacity int) {
	var arr []any
	if existing, ok := doc[field].([]any); ok {
		arr = existing
	}
	arr = append(arr, value)
	if capacity > 0 && len(arr) > capacity {
		arr = append([]any(nil), arr[len(arr)-capacity:]...)
	}
	doc[field] = arr
}

// normalize round-trips a Go value through JSON so comparisons see the
// same shapes the stores persist.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
