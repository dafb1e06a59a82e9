package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	RAG      RagConfig      `mapstructure:"rag"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	AsyncIngest  bool   `mapstructure:"async_ingest"` // 上传后交给 worker 建索引
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)；为空表示不使用 Redis
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Enabled 是否配置了 Redis
func (c RedisConfig) Enabled() bool {
	return c.Mode != "" || c.Host != "" || len(c.ClusterAddrs) > 0 || len(c.SentinelAddrs) > 0
}

// Addr 单节点地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// RagConfig 知识库索引配置
type RagConfig struct {
	KnowledgeRoot         string            `mapstructure:"knowledge_root"`
	UploadBlockSize       int               `mapstructure:"upload_block_size"`
	MetadataExcludeFields string            `mapstructure:"metadata_exclude_fields"` // 逗号分隔
	ChunkSize             int               `mapstructure:"chunk_size"`
	ChunkOverlap          int               `mapstructure:"chunk_overlap"`
	TokenEncoding         string            `mapstructure:"token_encoding"` // 例如 cl100k_base，为空则估算
	VectorStore           VectorStoreConfig `mapstructure:"vector_store"`
	Embedding             EmbeddingConfig   `mapstructure:"embedding"`
	Reconcile             ReconcileConfig   `mapstructure:"reconcile"`
	Dispatcher            DispatcherConfig  `mapstructure:"dispatcher"`
	Lock                  LockConfig        `mapstructure:"lock"`
	Mirror                MirrorConfig      `mapstructure:"mirror"`
}

// ExcludeFields 解析元数据排除字段列表
func (c RagConfig) ExcludeFields() []string {
	var fields []string
	for _, f := range strings.Split(c.MetadataExcludeFields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// VectorStoreConfig 向量存储配置
type VectorStoreConfig struct {
	DefaultBackend string         `mapstructure:"default_backend"`
	Enabled        []string       `mapstructure:"enabled"` // 启用的后端标签，为空时只启用 default_backend
	Embedded       EmbeddedConfig `mapstructure:"embedded"`
	Qdrant         QdrantConfig   `mapstructure:"qdrant"`
	PGVector       PGVectorConfig `mapstructure:"pgvector"`
}

// EmbeddedConfig 嵌入式(badger)向量存储配置
type EmbeddedConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// QdrantConfig Qdrant 外部向量数据库配置
type QdrantConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	VectorDimension int    `mapstructure:"vector_dimension"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// PGVectorConfig pgvector 配置
type PGVectorConfig struct {
	Dimension int `mapstructure:"dimension"`
}

// EmbeddingConfig 向量化服务配置
type EmbeddingConfig struct {
	Provider  string        `mapstructure:"provider"` // openai, gemini, langchain, hash
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Dimension int           `mapstructure:"dimension"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// ReconcileConfig 一致性修复配置
type ReconcileConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Interval    string        `mapstructure:"interval"` // asynq cron 表达式，如 "@every 30m"
	Concurrency int           `mapstructure:"concurrency"`
}

// DispatcherConfig 跨知识库并发配置，pool_size 为 0 时顺序执行
type DispatcherConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// LockConfig 知识库互斥锁配置
type LockConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	WaitTime time.Duration `mapstructure:"wait_time"`
}

// MirrorConfig 原始文件对象存储镜像配置
type MirrorConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config S3 镜像配置
type S3Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`
}

// WorkerConfig 异步任务配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")
	setDefaults(v)

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // APP_DATABASE_HOST

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 60)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
	v.SetDefault("rag.knowledge_root", "./data/knowledge")
	v.SetDefault("rag.upload_block_size", 1<<20)
	v.SetDefault("rag.chunk_size", 1024)
	v.SetDefault("rag.chunk_overlap", 20)
	v.SetDefault("rag.vector_store.default_backend", "embedded")
	v.SetDefault("rag.vector_store.embedded.path", "./data/vectors")
	v.SetDefault("rag.vector_store.qdrant.timeout_seconds", 10)
	v.SetDefault("rag.embedding.provider", "openai")
	v.SetDefault("rag.reconcile.grace_period", "15m")
	v.SetDefault("rag.reconcile.concurrency", 4)
	v.SetDefault("rag.lock.ttl", "10m")
	v.SetDefault("rag.lock.wait_time", "30s")
	v.SetDefault("worker.concurrency", 4)
}

// Validate 启动时校验配置
// 向量后端标签在构建向量存储时解析，这里不重复校验
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size 必须为正数: %d", c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap 必须在 [0, chunk_size) 之间: %d", c.RAG.ChunkOverlap)
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	return nil
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
