package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"elector/pkg/models"
)

// S3LocationStore keeps one JSON object per role in S3-compatible storage
type S3LocationStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3LocationStoreConfig holds S3 configuration
type S3LocationStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "leaders"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3LocationStore creates a new S3-backed location store
func NewS3LocationStore(ctx context.Context, cfg S3LocationStoreConfig) (*S3LocationStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 location store: bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3LocationStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// UpdateLocation uploads the leader location of loc.Role
func (s *S3LocationStore) UpdateLocation(ctx context.Context, loc models.LeaderLocation) error {
	body, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(loc.Role)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload location to S3: %w", err)
	}
	return nil
}

// GetLocation fetches the leader location of role
func (s *S3LocationStore) GetLocation(ctx context.Context, role string) (*models.LeaderLocation, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(role)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get location from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	return decodeLocation(data)
}

func (s *S3LocationStore) key(role string) string {
	return path.Join(s.prefix, role+".json")
}

// FileLocationStore keeps one JSON file per role in a directory (for
// development and shared volumes)
type FileLocationStore struct {
	dir string
}

// NewFileLocationStore creates dir if needed.
func NewFileLocationStore(dir string) (*FileLocationStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create location directory: %w", err)
	}
	return &FileLocationStore{dir: dir}, nil
}

// UpdateLocation replaces the file of loc.Role atomically.
func (f *FileLocationStore) UpdateLocation(ctx context.Context, loc models.LeaderLocation) error {
	body, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	target := f.file(loc.Role)
	tmp, err := os.CreateTemp(f.dir, ".location-*")
	if err != nil {
		return fmt.Errorf("failed to write location: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write location: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write location: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to write location: %w", err)
	}
	return nil
}

// GetLocation reads the file of role.
func (f *FileLocationStore) GetLocation(ctx context.Context, role string) (*models.LeaderLocation, error) {
	data, err := os.ReadFile(f.file(role))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	return decodeLocation(data)
}

func (f *FileLocationStore) file(role string) string {
	return filepath.Join(f.dir, filepath.Base(role)+".json")
}

func decodeLocation(data []byte) (*models.LeaderLocation, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNotFound
	}
	var loc models.LeaderLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to decode location: %w", err)
	}
	return &loc, nil
}
