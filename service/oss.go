package service

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"StoryPack-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MediaStore 对象存储的最小契约，fan-out 和打包器都只依赖这个接口
type MediaStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	RemoveByPrefix(ctx context.Context, prefix string) error
}

// ObjectStore MinIO 实现，由 main 构造注入
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func NewObjectStore(cfg *config.Config) (*ObjectStore, error) {
	client, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
		Secure: cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	return &ObjectStore{client: client, bucket: cfg.MinIO.Bucket}, nil
}

func (o *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Info().Str("bucket", o.bucket).Msg("bucket created")
	}
	return nil
}

// Upload 上传字节并返回可访问的预签名 URL
func (o *ObjectStore) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	if err := o.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = contentTypeByExt(objectName)
	}

	_, err := o.client.PutObject(ctx, o.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	presignedURL, err := o.client.PresignedGetObject(ctx, o.bucket, objectName, 72*time.Hour, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	return presignedURL.String(), nil
}

// RemoveByPrefix 按前缀清理对象，删除故事时级联调用
func (o *ObjectStore) RemoveByPrefix(ctx context.Context, prefix string) error {
	objectCh := o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return obj.Err
		}
		if err := o.client.RemoveObject(ctx, o.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("删除对象失败 %s: %w", obj.Key, err)
		}
	}
	return nil
}

func contentTypeByExt(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}
