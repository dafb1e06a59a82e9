package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"
)

const embeddedKeyPrefix = "vec/"

// EmbeddedOptions 嵌入式向量存储配置
type EmbeddedOptions struct {
	Path     string
	InMemory bool
	Embedder EmbeddingProvider
	Logger   *zap.Logger
}

// EmbeddedStore 基于 badger 的本地向量存储，键为 vec/<collection>/<id>
type EmbeddedStore struct {
	db       *badger.DB
	embedder EmbeddingProvider
	logger   *zap.Logger
}

// embeddedEntry 一条向量记录
type embeddedEntry struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"contentHash,omitempty"`
	Embedding   []float32      `json:"embedding"`
	Model       string         `json:"model,omitempty"`
}

// badgerZapLogger 把 badger 日志接到 zap
type badgerZapLogger struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*badgerZapLogger)(nil)

func (l *badgerZapLogger) Errorf(msg string, items ...any)   { l.logger.Errorf(msg, items...) }
func (l *badgerZapLogger) Warningf(msg string, items ...any) { l.logger.Warnf(msg, items...) }
func (l *badgerZapLogger) Infof(msg string, items ...any)    { l.logger.Debugf(msg, items...) }
func (l *badgerZapLogger) Debugf(msg string, items ...any)   { l.logger.Debugf(msg, items...) }

// NewEmbeddedStore 打开嵌入式向量存储，目录不存在时自动创建
func NewEmbeddedStore(opts EmbeddedOptions) (*EmbeddedStore, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("%w: 缺少向量化服务", ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, fmt.Errorf("%w: 嵌入式向量存储路径不能为空", ErrInvalidInput)
		}
		if err := os.MkdirAll(opts.Path, 0o755); err != nil {
			return nil, fmt.Errorf("%w: 创建向量存储目录失败: %v", ErrStorageIO, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts.Logger = &badgerZapLogger{logger: log.Named("badger").Sugar()}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: 打开 badger 失败: %v", ErrVectorStore, err)
	}

	return &EmbeddedStore{db: db, embedder: opts.Embedder, logger: log}, nil
}

// Close 关闭底层数据库
func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}

// Backend 后端标签
func (s *EmbeddedStore) Backend() Backend { return BackendEmbedded }

func collectionPrefix(collection string) []byte {
	return []byte(embeddedKeyPrefix + collection + "/")
}

func entryKey(collection, id string) []byte {
	return []byte(embeddedKeyPrefix + collection + "/" + id)
}

// Add 向量化并写入分块
// 写入走 WriteBatch，按 badger 单事务上限自动拆分提交；失败时可能已写入部分 id，由调用方按分配的 id 补偿
func (s *EmbeddedStore) Add(ctx context.Context, collection string, chunks []Chunk) ([]string, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: 集合名不能为空", ErrInvalidInput)
	}
	if len(chunks) == 0 {
		return []string{}, nil
	}
	ids, err := assignIDs(chunks)
	if err != nil {
		return nil, err
	}
	vectors, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		return nil, err
	}

	model := s.embedder.GetModel()
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, c := range chunks {
		data, err := json.Marshal(embeddedEntry{
			ID:          ids[i],
			Content:     c.Content,
			Metadata:    c.Metadata,
			ContentHash: c.ContentHash,
			Embedding:   vectors[i],
			Model:       model,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: 序列化向量失败: %v", ErrVectorStore, err)
		}
		if err := wb.Set(entryKey(collection, ids[i]), data); err != nil {
			return nil, fmt.Errorf("%w: 写入 badger 失败: %v", ErrVectorStore, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("%w: 写入 badger 失败: %v", ErrVectorStore, err)
	}
	return ids, nil
}

// Delete 删除指定 id，不存在的 id 直接跳过
func (s *EmbeddedStore) Delete(ctx context.Context, collection string, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(entryKey(collection, id)); err != nil {
			return false, fmt.Errorf("%w: 删除向量失败: %v", ErrVectorStore, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return false, fmt.Errorf("%w: 删除向量失败: %v", ErrVectorStore, err)
	}
	return true, nil
}

// DeleteCollection 删除集合前缀下的全部记录
func (s *EmbeddedStore) DeleteCollection(ctx context.Context, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: 集合名不能为空", ErrInvalidInput)
	}
	if err := s.db.DropPrefix(collectionPrefix(collection)); err != nil {
		return fmt.Errorf("%w: 删除集合 %s 失败: %v", ErrVectorStore, collection, err)
	}
	s.logger.Debug("集合已删除", zap.String("collection", collection))
	return nil
}

// ListIDs 按键序列出集合中的 id
func (s *EmbeddedStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	prefix := collectionPrefix(collection)
	ids := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: 列举集合 %s 失败: %v", ErrVectorStore, collection, err)
	}
	return ids, nil
}

// Get 读取单条记录，不存在时返回 ErrNotFound
func (s *EmbeddedStore) Get(ctx context.Context, collection, id string) (*Chunk, error) {
	var entry embeddedEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(collection, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: 向量 %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取向量失败: %v", ErrVectorStore, err)
	}
	return &Chunk{
		ID:          entry.ID,
		Content:     entry.Content,
		Metadata:    entry.Metadata,
		ContentHash: entry.ContentHash,
	}, nil
}
