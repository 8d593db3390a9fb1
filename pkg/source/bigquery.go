// Package source provides batch record fetchers over concrete backends.
//
// Each source turns a keyed storage system (Redis, Firestore, BigQuery, GCS)
// into the batch fetch function shape the loader packages consume: given a
// slice of keys, return the matching records in any order, omitting records
// for keys that have none. A source's Fetch method can be passed directly as
// a queryview.RecordFetchFunc.
package source

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// BigQueryConfig holds configuration for a BigQuery-backed source.
type BigQueryConfig struct {
	ProjectID string
	DatasetID string
	TableID   string
	// KeyColumn is the column matched against the fetch keys.
	KeyColumn string
}

// BigQuerySource fetches batches of records from a single BigQuery table by
// matching a key column against the requested keys.
type BigQuerySource[K comparable, T any] struct {
	client *bigquery.Client
	cfg    *BigQueryConfig
	logger zerolog.Logger
}

// NewBigQuerySource creates a new generic BigQuerySource. The client's
// lifecycle is managed by the caller.
func NewBigQuerySource[K comparable, T any](
	cfg *BigQueryConfig,
	client *bigquery.Client,
	logger zerolog.Logger,
) (*BigQuerySource[K, T], error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client cannot be nil")
	}
	if cfg.KeyColumn == "" {
		return nil, fmt.Errorf("key column cannot be empty")
	}

	return &BigQuerySource[K, T]{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "BigQuerySource").Logger(),
	}, nil
}

// Fetch runs one parameterized query for the whole key batch and drains the
// result iterator into records.
func (s *BigQuerySource[K, T]) Fetch(ctx context.Context, keys []K) ([]T, error) {
	query := s.client.Query(fmt.Sprintf(
		"SELECT * FROM `%s.%s.%s` WHERE %s IN UNNEST(@keys)",
		s.cfg.ProjectID, s.cfg.DatasetID, s.cfg.TableID, s.cfg.KeyColumn,
	))
	query.Parameters = []bigquery.QueryParameter{{Name: "keys", Value: keys}}

	it, err := query.Read(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to run BigQuery batch query.")
		return nil, fmt.Errorf("bigquery query read: %w", err)
	}

	var records []T
	for {
		var record T
		err := it.Next(&record)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to read BigQuery row.")
			return nil, fmt.Errorf("bigquery row read: %w", err)
		}
		records = append(records, record)
	}

	s.logger.Debug().Int("key_count", len(keys)).Int("record_count", len(records)).Msg("Fetched batch from BigQuery.")
	return records, nil
}
