package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// GCSConfig holds configuration for a GCS-backed source.
type GCSConfig struct {
	BucketName string
	// ObjectPrefix is prepended to every stringified fetch key to form the
	// object name.
	ObjectPrefix string
	// MaxConcurrentReads bounds the parallel object reads per batch.
	MaxConcurrentReads int
}

// GCSSource fetches batches of JSON-encoded records from Google Cloud
// Storage, one object per key, read concurrently with a bounded errgroup.
// Objects that do not exist are omitted from the result.
type GCSSource[K comparable, T any] struct {
	bucket       *storage.BucketHandle
	objectPrefix string
	maxReads     int
	logger       zerolog.Logger
}

// NewGCSSource creates a new generic GCSSource. The client's lifecycle is
// managed by the caller.
func NewGCSSource[K comparable, T any](
	cfg *GCSConfig,
	client *storage.Client,
	logger zerolog.Logger,
) (*GCSSource[K, T], error) {
	if client == nil {
		return nil, fmt.Errorf("storage client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg.MaxConcurrentReads <= 0 {
		cfg.MaxConcurrentReads = 8
	}

	return &GCSSource[K, T]{
		bucket:       client.Bucket(cfg.BucketName),
		objectPrefix: cfg.ObjectPrefix,
		maxReads:     cfg.MaxConcurrentReads,
		logger:       logger.With().Str("component", "GCSSource").Logger(),
	}, nil
}

// Fetch reads the objects for the given keys concurrently. A failed read of
// any existing object fails the whole batch.
func (s *GCSSource[K, T]) Fetch(ctx context.Context, keys []K) ([]T, error) {
	found := make([]*T, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxReads)
	for i, key := range keys {
		// Shadow the loop variables: the module targets go 1.21, where range
		// variables are shared across iterations.
		i, key := i, key
		g.Go(func() error {
			name := s.objectPrefix + fmt.Sprintf("%v", key)
			reader, err := s.bucket.Object(name).NewReader(gctx)
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil // Missing object for this key.
			}
			if err != nil {
				return fmt.Errorf("gcs open %s: %w", name, err)
			}
			defer func() {
				_ = reader.Close()
			}()

			var record T
			if err := json.NewDecoder(reader).Decode(&record); err != nil {
				return fmt.Errorf("gcs decode %s: %w", name, err)
			}
			found[i] = &record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Int("key_count", len(keys)).Msg("GCS batch read failed.")
		return nil, err
	}

	records := make([]T, 0, len(keys))
	for _, record := range found {
		if record != nil {
			records = append(records, *record)
		}
	}

	s.logger.Debug().Int("key_count", len(keys)).Int("record_count", len(records)).Msg("Fetched batch from GCS.")
	return records, nil
}
