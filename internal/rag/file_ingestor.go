package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kbindex/internal/logger"
	"kbindex/internal/metrics"

	"go.uber.org/zap"
)

const (
	defaultUploadBlockSize = 1 << 20 // 1MB
	fallbackFileName       = "uploaded_file"
)

// 文件名中会被替换为 _ 的字符
var unsafeNameReplacer = strings.NewReplacer(
	"/", "_", `\`, "_",
	`"`, "_", "'", "_", "<", "_", ">", "_", "|", "_", ":", "_", "*", "_", "?", "_",
)

// SanitizeFilename 清理上传文件名，结果可重复清理而不变
func SanitizeFilename(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: 文件名不能为空", ErrInvalidInput)
	}

	name = unsafeNameReplacer.Replace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)

	// 去掉首尾空格与末尾的点，直到稳定
	for {
		trimmed := strings.TrimRight(strings.TrimSpace(name), ".")
		if trimmed == name {
			break
		}
		name = trimmed
	}

	if name == "" {
		return fallbackFileName, nil
	}
	return name, nil
}

// UploadFile 一个待保存的上传文件
type UploadFile struct {
	Name   string
	Reader io.Reader
}

// SavedFile 已写入存储目录的文件
type SavedFile struct {
	Path         string `json:"path"` // 绝对路径
	OriginalName string `json:"originalName"`
	StoredName   string `json:"storedName"`
	Size         int64  `json:"size"`
	FileType     string `json:"fileType"`
	FileSize     string `json:"fileSize"`
}

// FileIngestor 负责把上传流写入 <root>/<kb_uuid>/ 目录
type FileIngestor struct {
	root      string
	blockSize int
	mirror    ObjectMirror
	logger    *zap.Logger
}

// NewFileIngestor 创建文件写入器
func NewFileIngestor(root string, blockSize int, log *zap.Logger) (*FileIngestor, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: 知识库存储目录不能为空", ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: 解析存储目录失败: %v", ErrStorageIO, err)
	}
	if blockSize <= 0 {
		blockSize = defaultUploadBlockSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileIngestor{root: abs, blockSize: blockSize, logger: log}, nil
}

// WithMirror 配置对象存储镜像，镜像失败不影响本地写入
func (f *FileIngestor) WithMirror(m ObjectMirror) *FileIngestor {
	f.mirror = m
	return f
}

// Root 存储根目录
func (f *FileIngestor) Root() string { return f.root }

// KnowledgeBaseDir 知识库的存储子目录
func (f *FileIngestor) KnowledgeBaseDir(kbUUID string) string {
	return filepath.Join(f.root, kbUUID)
}

// Save 依次保存上传文件
// 某个文件写入失败时删除该文件的残留部分并返回错误，之前已保存的文件保留在磁盘上并一起返回
func (f *FileIngestor) Save(ctx context.Context, kbUUID string, files []UploadFile) ([]SavedFile, error) {
	if strings.TrimSpace(kbUUID) == "" || strings.ContainsAny(kbUUID, `/\`) || kbUUID == "." || kbUUID == ".." {
		return nil, fmt.Errorf("%w: 非法的知识库标识 %q", ErrInvalidInput, kbUUID)
	}
	log := logger.FromContext(ctx, f.logger)

	dir := f.KnowledgeBaseDir(kbUUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: 创建目录 %s 失败: %v", ErrStorageIO, dir, err)
	}

	saved := make([]SavedFile, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		sf, err := f.saveOne(dir, file)
		if err != nil {
			log.Error("保存上传文件失败", zap.String("file", file.Name), zap.Error(err))
			return saved, err
		}
		metrics.UploadBytesTotal.Add(float64(sf.Size))
		log.Info("上传文件已保存", zap.String("path", sf.Path), zap.Int64("size", sf.Size))

		if f.mirror != nil {
			if err := f.mirror.Put(ctx, kbUUID, sf.StoredName, sf.Path); err != nil {
				log.Warn("镜像上传文件失败", zap.String("path", sf.Path), zap.Error(err))
			}
		}
		saved = append(saved, *sf)
	}
	return saved, nil
}

func (f *FileIngestor) saveOne(dir string, file UploadFile) (sf *SavedFile, err error) {
	if file.Reader == nil {
		return nil, fmt.Errorf("%w: 文件 %q 没有内容流", ErrInvalidInput, file.Name)
	}
	name, err := SanitizeFilename(file.Name)
	if err != nil {
		return nil, err
	}

	out, path, err := createUnique(dir, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: 关闭文件 %s 失败: %v", ErrStorageIO, path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
			sf = nil
		}
	}()

	buf := make([]byte, f.blockSize)
	written, err := io.CopyBuffer(onlyWriter{out}, onlyReader{file.Reader}, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: 写入文件 %s 失败: %v", ErrStorageIO, path, err)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("%w: 刷新文件 %s 失败: %v", ErrStorageIO, path, err)
	}

	stored := filepath.Base(path)
	return &SavedFile{
		Path:         path,
		OriginalName: file.Name,
		StoredName:   stored,
		Size:         written,
		FileType:     FileTypeOf(stored),
		FileSize:     FormatFileSize(written),
	}, nil
}

// createUnique 以 O_EXCL 占用第一个可用文件名：name.ext, name -1.ext, name -2.ext ...
func createUnique(dir, name string) (*os.File, string, error) {
	base, ext := splitExt(name)

	candidate := name
	for counter := 1; ; counter++ {
		path := filepath.Join(dir, candidate)
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return out, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: 创建文件 %s 失败: %v", ErrStorageIO, path, err)
		}
		candidate = base + " -" + strconv.Itoa(counter) + ext
	}
}

// RemoveFile 删除单个文件，文件不存在时返回 removed=false 而非错误
func (f *FileIngestor) RemoveFile(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: 删除文件 %s 失败: %v", ErrStorageIO, path, err)
	}
	return true, nil
}

// RemoveKnowledgeBaseDir 删除知识库的整个存储子目录
func (f *FileIngestor) RemoveKnowledgeBaseDir(kbUUID string) error {
	if strings.TrimSpace(kbUUID) == "" || strings.ContainsAny(kbUUID, `/\`) || kbUUID == "." || kbUUID == ".." {
		return fmt.Errorf("%w: 非法的知识库标识 %q", ErrInvalidInput, kbUUID)
	}
	if err := os.RemoveAll(f.KnowledgeBaseDir(kbUUID)); err != nil {
		return fmt.Errorf("%w: 删除目录失败: %v", ErrStorageIO, err)
	}
	return nil
}

// RemoveDocumentFile 删除文档文件并清理镜像对象，镜像失败只记日志
func (f *FileIngestor) RemoveDocumentFile(ctx context.Context, kbUUID, path string) (bool, error) {
	removed, err := f.RemoveFile(path)
	if err != nil {
		return false, err
	}
	if f.mirror != nil {
		if err := f.mirror.Delete(ctx, kbUUID, filepath.Base(path)); err != nil {
			logger.FromContext(ctx, f.logger).Warn("删除镜像对象失败", zap.String("path", path), zap.Error(err))
		}
	}
	return removed, nil
}

// RemoveKnowledgeBase 删除知识库目录与镜像前缀
func (f *FileIngestor) RemoveKnowledgeBase(ctx context.Context, kbUUID string) error {
	if err := f.RemoveKnowledgeBaseDir(kbUUID); err != nil {
		return err
	}
	if f.mirror != nil {
		if err := f.mirror.DeletePrefix(ctx, kbUUID); err != nil {
			logger.FromContext(ctx, f.logger).Warn("删除镜像前缀失败", zap.String("kb", kbUUID), zap.Error(err))
		}
	}
	return nil
}

// splitExt 拆分主名与扩展名，开头的点属于主名（.env 没有扩展名）
func splitExt(name string) (string, string) {
	ext := filepath.Ext(strings.TrimLeft(name, "."))
	return strings.TrimSuffix(name, ext), ext
}

// FileTypeOf 小写扩展名（不含点）
func FileTypeOf(name string) string {
	_, ext := splitExt(name)
	return strings.TrimPrefix(strings.ToLower(ext), ".")
}

// FormatFileSize 格式化文件大小，整数值不带小数，否则保留一位
func FormatFileSize(size int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(size)
	unit := 0
	for value >= 1024 && unit < len(units)-1 {
		value /= 1024
		unit++
	}
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d %s", int64(value), units[unit])
	}
	return fmt.Sprintf("%.1f %s", value, units[unit])
}

// onlyWriter / onlyReader 屏蔽 ReadFrom/WriteTo，保证按块大小分段写入
type onlyWriter struct{ w io.Writer }

func (o onlyWriter) Write(p []byte) (int, error) { return o.w.Write(p) }

type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }
