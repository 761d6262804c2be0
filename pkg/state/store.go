package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// SessionStore archives session snapshots
type SessionStore interface {
	Save(ctx context.Context, session *ResearchSession) error
	Load(ctx context.Context, sessionID string) (*SessionSnapshot, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context, filter SessionFilter) ([]*SessionSnapshot, error)
}

// SessionFilter narrows List results. Zero values match everything.
type SessionFilter struct {
	SessionIDs []string
	Status     []domain.SessionStatus
	StartTime  *time.Time
	EndTime    *time.Time
}

// Matches reports whether a snapshot passes the filter
func (f SessionFilter) Matches(snap *SessionSnapshot) bool {
	if len(f.SessionIDs) > 0 && !contains(f.SessionIDs, snap.ID) {
		return false
	}
	if len(f.Status) > 0 && !contains(f.Status, snap.Status) {
		return false
	}
	if f.StartTime != nil && snap.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && snap.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func sortByCreated(snaps []*SessionSnapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}

func copySnapshot(snap *SessionSnapshot) (*SessionSnapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var out SessionSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MemoryStore is an in-memory implementation of SessionStore
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionSnapshot
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionSnapshot),
	}
}

// Save stores a snapshot of the session
func (m *MemoryStore) Save(ctx context.Context, session *ResearchSession) error {
	if session.ID() == "" {
		return fmt.Errorf("session ID is required")
	}
	snap := session.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[snap.ID] = &snap
	return nil
}

// Load returns a deep copy of the stored snapshot
func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return copySnapshot(snap)
}

// Delete removes a snapshot
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// List returns matching snapshots ordered by creation time
func (m *MemoryStore) List(ctx context.Context, filter SessionFilter) ([]*SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*SessionSnapshot
	for _, snap := range m.sessions {
		if !filter.Matches(snap) {
			continue
		}
		cp, err := copySnapshot(snap)
		if err != nil {
			return nil, fmt.Errorf("failed to copy session %s: %w", snap.ID, err)
		}
		results = append(results, cp)
	}
	sortByCreated(results)
	return results, nil
}

// FileStore is a file-based implementation of SessionStore, one JSON file per session
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a file-based session store, creating baseDir if needed
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".json")
}

// Save writes the snapshot atomically
func (f *FileStore) Save(ctx context.Context, session *ResearchSession) error {
	if session.ID() == "" {
		return fmt.Errorf("session ID is required")
	}

	data, err := json.MarshalIndent(session.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path(session.ID()) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, f.path(session.ID())); err != nil {
		return fmt.Errorf("failed to commit session file: %w", err)
	}
	return nil
}

// Load reads one snapshot
func (f *FileStore) Load(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(f.path(sessionID), sessionID)
}

func (f *FileStore) read(path, sessionID string) (*SessionSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &snap, nil
}

// Delete removes the session file
func (f *FileStore) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List reads every session file in the directory
func (f *FileStore) List(ctx context.Context, filter SessionFilter) ([]*SessionSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var results []*SessionSnapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		snap, err := f.read(filepath.Join(f.baseDir, e.Name()), id)
		if err != nil {
			return nil, err
		}
		if filter.Matches(snap) {
			results = append(results, snap)
		}
	}
	sortByCreated(results)
	return results, nil
}

// RedisStore keeps snapshots in Redis under <prefix><session id> with a TTL
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromURL parses a redis:// URL and verifies connectivity
func NewRedisStoreFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, prefix, ttl), nil
}

// Close closes the underlying client
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

// Save writes the snapshot with the configured TTL
func (r *RedisStore) Save(ctx context.Context, session *ResearchSession) error {
	if session.ID() == "" {
		return fmt.Errorf("session ID is required")
	}
	data, err := json.Marshal(session.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(session.ID()), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Load fetches one snapshot
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &snap, nil
}

// Delete removes the key
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List scans the key prefix
func (r *RedisStore) List(ctx context.Context, filter SessionFilter) ([]*SessionSnapshot, error) {
	var results []*SessionSnapshot
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		snap, err := r.Load(ctx, strings.TrimPrefix(iter.Val(), r.prefix))
		if err != nil {
			// expired between SCAN and GET
			if errors.Is(err, domain.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Matches(snap) {
			results = append(results, snap)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	sortByCreated(results)
	return results, nil
}
