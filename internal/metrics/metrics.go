package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbindex_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APIRequestSize API 请求体大小（字节），上传文件时较大
	APIRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbindex_api_request_size_bytes",
			Help:    "API 请求体大小分布",
			Buckets: []float64{1e3, 1e4, 1e5, 1e6, 1e7, 1e8},
		},
		[]string{"method", "path"},
	)
)

// 文档入库指标
var (
	// IngestDocumentsTotal 入库文档数（按结果）
	IngestDocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_ingest_documents_total",
			Help: "文档入库总数",
		},
		[]string{"backend", "status"},
	)

	// IngestChunksTotal 写入的分块数
	IngestChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_ingest_chunks_total",
			Help: "写入向量存储的分块总数",
		},
		[]string{"backend"},
	)

	// IngestStageDuration 各阶段耗时（秒）
	IngestStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbindex_ingest_stage_duration_seconds",
			Help:    "入库各阶段耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// UploadBytesTotal 落盘的上传字节数
	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kbindex_upload_bytes_total",
			Help: "写入知识库存储目录的字节总数",
		},
	)
)

// 向量存储指标
var (
	// VectorOpsTotal 向量存储操作数
	VectorOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_vector_ops_total",
			Help: "向量存储操作总数",
		},
		[]string{"backend", "op", "status"},
	)

	// EmbeddingCacheTotal 向量缓存命中情况
	EmbeddingCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_embedding_cache_total",
			Help: "向量缓存查询次数",
		},
		[]string{"result"}, // hit, miss
	)
)

// 一致性修复指标
var (
	// ReconcileRepairsTotal 修复次数（按类型）
	ReconcileRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_reconcile_repairs_total",
			Help: "一致性修复次数",
		},
		[]string{"kind"}, // stale_intent, orphan_vector, missing_vector, chunk_count
	)

	// ReconcileRunsTotal 修复任务执行次数
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbindex_reconcile_runs_total",
			Help: "一致性修复执行次数",
		},
		[]string{"status"},
	)
)

// ObserveVectorOp 记录一次向量存储操作
func ObserveVectorOp(backend, op string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	VectorOpsTotal.WithLabelValues(backend, op, status).Inc()
}
