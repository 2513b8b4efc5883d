package dbx

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
)

// CredentialStore is the GORM-backed graphexec.CredentialStore. Values are
// cached in memory after load since the credential gate and executor read
// them on the hot path of every job; writes go through Put, which updates
// both the database and the cache.
type CredentialStore struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]string
}

var _ graphexec.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore loads all credentials into memory and returns a ready
// CredentialStore.
func NewCredentialStore(ctx context.Context, db *gorm.DB) (*CredentialStore, error) {
	s := &CredentialStore{db: db, cache: make(map[string]string)}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CredentialStore) reload(ctx context.Context) error {
	var rows []Credential
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("credentials: reload: %w", err)
	}

	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[row.Key] = string(row.Value)
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// Get returns the decrypted value for key and whether it is present.
func (s *CredentialStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// Has reports whether key has a stored value.
func (s *CredentialStore) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Put upserts a credential by key, encrypting value at rest, and refreshes
// the in-memory cache. Used by the seed CLI.
func (s *CredentialStore) Put(ctx context.Context, key, value string) error {
	var existing Credential
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&existing).Error
	switch {
	case err == nil:
		existing.Value = EncryptedString(value)
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("credentials: update %q: %w", key, err)
		}
	case err == gorm.ErrRecordNotFound:
		row := Credential{Key: key, Value: EncryptedString(value)}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("credentials: create %q: %w", key, err)
		}
	default:
		return fmt.Errorf("credentials: lookup %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}
