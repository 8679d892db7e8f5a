package export

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// MinioStore adapts a MinIO client and bucket to the ObjectStore interface.
type MinioStore struct {
	Client *minio.Client
	Bucket string
}

func (s MinioStore) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (int64, error) {
	info, err := s.Client.PutObject(ctx, s.Bucket, key, r, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces missing keys before we stream.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}
