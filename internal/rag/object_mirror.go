package rag

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectMirror 把知识库原始文件同步一份到对象存储，本地目录仍是唯一事实来源
type ObjectMirror interface {
	Put(ctx context.Context, kbUUID, name, localPath string) error
	Delete(ctx context.Context, kbUUID, name string) error
	DeletePrefix(ctx context.Context, kbUUID string) error
}

// S3MirrorOptions S3 镜像配置
type S3MirrorOptions struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // 兼容 S3 的自建服务，为空时使用 AWS
}

// S3Mirror 基于 aws-sdk-go-v2 的对象存储镜像
type S3Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Mirror 创建 S3 镜像
func NewS3Mirror(ctx context.Context, opts S3MirrorOptions) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket 不能为空")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 region 不能为空")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (m *S3Mirror) key(kbUUID, name string) string {
	return path.Join(m.prefix, kbUUID, name)
}

// Put 上传本地文件
func (m *S3Mirror) Put(ctx context.Context, kbUUID, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("打开本地文件失败: %w", err)
	}
	defer f.Close()

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := m.uploader.Upload(ctxUpload, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(kbUUID, name)),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("s3 上传失败: %w", err)
	}
	return nil
}

// Delete 删除单个对象
func (m *S3Mirror) Delete(ctx context.Context, kbUUID, name string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := m.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(kbUUID, name)),
	}); err != nil {
		return fmt.Errorf("s3 删除失败: %w", err)
	}
	return nil
}

// DeletePrefix 删除知识库前缀下的全部对象
func (m *S3Mirror) DeletePrefix(ctx context.Context, kbUUID string) error {
	prefix := m.key(kbUUID, "") + "/"
	pager := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 列举对象失败: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("s3 批量删除失败: %w", err)
		}
	}
	return nil
}
