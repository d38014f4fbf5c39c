package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// Storage provides an S3-compatible storage backend using MinIO.
// Uploaded media is stored in one bucket under per-item prefixes.
type Storage struct {
	client     *minio.Client
	bucketName string
	publicURL  string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically. publicURL,
// when set, is used as the base of attachment urls instead of the endpoint.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName, publicURL string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if publicURL == "" {
		publicURL = client.EndpointURL().String()
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
		publicURL:  publicURL,
	}, nil
}

// Save uploads src under subdir/filename and returns the object name.
func (s *Storage) Save(ctx context.Context, subdir, filename, contentType string, src io.Reader, size int64) (string, error) {
	objectName := path.Join(subdir, filename)

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucketName, objectName, src, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return objectName, nil
}

// Load retrieves the object and returns a reader.
func (s *Storage) Load(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	return obj, nil
}

// Delete removes the specified object from the bucket.
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
}

// Upload stores file and returns its attachment metadata. It has the shape
// of model.MediaUploadFunc and is the default media upload handler.
//
// When data carries a "parent" attachment id the file is stored next to the
// parent as one of its sub-sizes.
func (s *Storage) Upload(ctx context.Context, file model.File, data model.AdditionalData) (model.Attachment, error) {
	id := uuid.NewString()
	subdir := id
	if parent, ok := data["parent"].(string); ok && parent != "" {
		subdir = path.Join(parent, "sizes")
	}

	objectName, err := s.Save(ctx, subdir, file.Name, file.MimeType, bytes.NewReader(file.Data), int64(len(file.Data)))
	if err != nil {
		return nil, err
	}

	u, err := url.JoinPath(s.publicURL, s.bucketName, objectName)
	if err != nil {
		return nil, fmt.Errorf("failed to build attachment url: %w", err)
	}

	return model.Attachment{
		"id":          id,
		"key":         objectName,
		"url":         u,
		"filename":    file.Name,
		"mime_type":   file.MimeType,
		"filesize":    int64(len(file.Data)),
		"uploaded_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
