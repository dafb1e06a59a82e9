package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRAGTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:rag_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(Models()...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// memoryVectorStore 内存向量存储，可按操作注入失败
type memoryVectorStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Chunk
	backend     Backend

	addErr    error
	deleteErr error
	dropErr   error
	// shortAdd 为 true 时 Add 少返回一个 id
	shortAdd bool

	addCalls    int
	deleteCalls [][]string
}

func newMemoryVectorStore() *memoryVectorStore {
	return &memoryVectorStore{collections: make(map[string]map[string]Chunk), backend: BackendEmbedded}
}

func (m *memoryVectorStore) Backend() Backend { return m.backend }

func (m *memoryVectorStore) Add(ctx context.Context, collection string, chunks []Chunk) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls++
	if m.addErr != nil {
		return nil, m.addErr
	}
	ids, err := assignIDs(chunks)
	if err != nil {
		return nil, err
	}
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Chunk)
		m.collections[collection] = coll
	}
	for i, c := range chunks {
		c.ID = ids[i]
		coll[ids[i]] = c
	}
	if m.shortAdd && len(ids) > 0 {
		return ids[:len(ids)-1], nil
	}
	return ids, nil
}

func (m *memoryVectorStore) Delete(ctx context.Context, collection string, ids []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, append([]string(nil), ids...))
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	return true, nil
}

func (m *memoryVectorStore) DeleteCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropErr != nil {
		return m.dropErr
	}
	delete(m.collections, collection)
	return nil
}

func (m *memoryVectorStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryVectorStore) count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

func (m *memoryVectorStore) has(collection, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collections[collection][id]
	return ok
}

// put 绕过 Add 直接写入，用于构造孤儿向量
func (m *memoryVectorStore) put(collection string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Chunk)
		m.collections[collection] = coll
	}
	for _, id := range ids {
		coll[id] = Chunk{ID: id}
	}
}

var errInjected = errors.New("injected failure")
