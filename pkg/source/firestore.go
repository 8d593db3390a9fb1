package source

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreSource fetches batches of documents from a specific Firestore
// collection, one document per key, with a single GetAll round trip per
// batch. Missing documents are omitted from the result.
type FirestoreSource[K comparable, T any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a new generic FirestoreSource. The client's
// lifecycle is managed by the caller.
func NewFirestoreSource[K comparable, T any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[K, T], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[K, T]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch retrieves the documents for the given keys in one GetAll call.
func (s *FirestoreSource[K, T]) Fetch(ctx context.Context, keys []K) ([]T, error) {
	refs := make([]*firestore.DocumentRef, len(keys))
	for i, key := range keys {
		refs[i] = s.client.Collection(s.collectionName).Doc(fmt.Sprintf("%v", key))
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("collection", s.collectionName).Msg("Firestore collection not found.")
			return nil, fmt.Errorf("collection %s not found: %w", s.collectionName, err)
		}
		s.logger.Error().Err(err).Int("key_count", len(keys)).Msg("Failed to get documents from Firestore.")
		return nil, fmt.Errorf("firestore getall: %w", err)
	}

	records := make([]T, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue // Missing document for this key.
		}
		var record T
		if err := snap.DataTo(&record); err != nil {
			s.logger.Error().Err(err).Str("key", snap.Ref.ID).Msg("Failed to map Firestore document data.")
			return nil, fmt.Errorf("firestore DataTo for %s: %w", snap.Ref.ID, err)
		}
		records = append(records, record)
	}

	s.logger.Debug().Int("key_count", len(keys)).Int("record_count", len(records)).Msg("Fetched batch from Firestore.")
	return records, nil
}
