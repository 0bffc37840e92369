package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/catalog-mirror/internal/store"
)

// DefaultCredentialKey is the document id the credential is saved under
const DefaultCredentialKey = "default"

// StorePersister saves the credential as a document in the credentials collection
type StorePersister struct {
	store store.Store
	key   string
}

var _ Persister = (*StorePersister)(nil)

// NewStorePersister creates a persister on the given store. An empty key
// uses DefaultCredentialKey.
func NewStorePersister(s store.Store, key string) *StorePersister {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &StorePersister{store: s, key: key}
}

// Load implements Persister
func (p *StorePersister) Load(ctx context.Context) (*Credential, error) {
	doc, err := p.store.Get(ctx, store.CollectionCredentials, p.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	var c Credential
	if err := doc.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save implements Persister
func (p *StorePersister) Save(ctx context.Context, c *Credential) error {
	doc, err := store.NewDocument(p.key, c)
	if err != nil {
		return err
	}
	results, err := p.store.BulkUpsert(ctx, store.CollectionCredentials, []store.Document{doc})
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	if failed := store.Failed(results); len(failed) > 0 {
		return fmt.Errorf("failed to save credential: %w", failed[0].Err)
	}
	return nil
}
