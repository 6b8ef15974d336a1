package docstore

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	seq  uint64
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (m *MemoryStore) nextVersion() string {
	m.seq++
	return strconv.FormatUint(m.seq, 10)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := checkKey(key); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	body := make([]byte, len(d.Body))
	copy(body, d.Body)
	return Document{Body: body, Version: d.Version}, nil
}

func (m *MemoryStore) Create(ctx context.Context, key string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return "", ErrPreconditionFailed
	}
	v := m.nextVersion()
	m.docs[key] = Document{Body: append([]byte(nil), body...), Version: v}
	return v, nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, body []byte, version string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[key]
	if !ok {
		return "", ErrNotFound
	}
	if cur.Version != version {
		return "", ErrPreconditionFailed
	}
	v := m.nextVersion()
	m.docs[key] = Document{Body: append([]byte(nil), body...), Version: v}
	return v, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Len reports the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
