// Package service contains the business logic layer.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/jackronrau/anycrawl/internal/config"
)

// StorageService persists screenshots either on local disk or in an
// S3-compatible bucket and returns addressable locations.
type StorageService struct {
	client       *s3.Client
	bucket       string
	signedURLTTL time.Duration

	localDir string
	baseURL  string

	useS3  bool
	logger *slog.Logger
}

// NewStorageService creates the storage backend selected by config.
func NewStorageService(cfg *appconfig.Config, logger *slog.Logger) (*StorageService, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.StorageBackend != "s3" {
		dir := filepath.Join(cfg.StorageLocalDir, "screenshots")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		logger.Info("storage service initialized", "backend", "local", "dir", dir)
		return &StorageService{
			localDir: cfg.StorageLocalDir,
			baseURL:  cfg.BaseURL,
			logger:   logger,
		}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = true // required for MinIO and friends
	})

	logger.Info("storage service initialized",
		"backend", "s3",
		"bucket", cfg.StorageBucket,
		"endpoint", cfg.StorageEndpoint,
	)
	return &StorageService{
		client:       client,
		bucket:       cfg.StorageBucket,
		signedURLTTL: cfg.SignedURLTTL,
		baseURL:      cfg.BaseURL,
		useS3:        true,
		logger:       logger,
	}, nil
}

// screenshotKey derives a stable object key from the job and request.
func screenshotKey(jobID, uniqueKey string) string {
	sum := sha256.Sum256([]byte(uniqueKey))
	return fmt.Sprintf("screenshots/%s/%s.jpg", jobID, hex.EncodeToString(sum[:8]))
}

// SaveScreenshot stores screenshot bytes and returns a URL the client can
// fetch. S3 locations are presigned for the configured TTL.
func (s *StorageService) SaveScreenshot(ctx context.Context, jobID, uniqueKey string, data []byte) (string, error) {
	key := screenshotKey(jobID, uniqueKey)

	if !s.useS3 {
		path := filepath.Join(s.localDir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create screenshot directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write screenshot: %w", err)
		}
		return s.baseURL + "/storage/" + key, nil
	}

	contentType := "image/jpeg"
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("failed to upload screenshot: %w", err)
	}

	presignClient := s3.NewPresignClient(s.client)
	presigned, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.signedURLTTL))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presigned.URL, nil
}

// LocalRoot returns the directory served at /storage/ for the local
// backend, or "" when S3 is in use.
func (s *StorageService) LocalRoot() string {
	if s.useS3 {
		return ""
	}
	return s.localDir
}
