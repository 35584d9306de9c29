// Package evidence persists annotated inspection photos. Reports reference
// the returned path verbatim, so a stored object must outlive its record.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/disintegration/imaging"

	"sitesnap-evidence/internal/config"
)

// ErrNotFound is returned by Load when the referenced object is gone.
var ErrNotFound = errors.New("evidence object not found")

// Store reads and writes evidence objects by key or stored path.
type Store interface {
	// Save writes body under key and returns the path to record in the ledger.
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
	// Load reads an object back by the path Save returned.
	Load(ctx context.Context, path string) ([]byte, error)
	// Remove deletes an object; used to compensate a failed ledger insert.
	Remove(ctx context.Context, path string) error
}

// NewLocal stores objects under a directory on the local filesystem.
func NewLocal(baseDir string) Store {
	return &localStore{baseDir: baseDir}
}

// NewFromConfig picks the local directory store unless an S3 bucket is configured.
func NewFromConfig(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.EvidenceS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Store{client: client, bucket: cfg.EvidenceS3Bucket}, nil
	}
	baseDir := cfg.EvidenceDir
	if baseDir == "" {
		baseDir = "./evidence_photos"
	}
	return &localStore{baseDir: baseDir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.EvidenceS3Region),
	}
	if cfg.EvidenceS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.EvidenceS3Endpoint,
					HostnameImmutable: cfg.EvidenceS3PathStyle,
					SigningRegion:     cfg.EvidenceS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.EvidenceS3PathStyle
	}), nil
}

// EncodeJPEG flattens an annotated image into the stored evidence format.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode evidence jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localStore struct {
	baseDir string
}

func (l *localStore) Save(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create evidence dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write evidence file: %w", err)
	}
	return path, nil
}

func (l *localStore) Load(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read evidence file: %w", err)
	}
	return data, nil
}

func (l *localStore) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove evidence file: %w", err)
	}
	return nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (s *s3Store) Save(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put evidence object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *s3Store) Load(ctx context.Context, path string) ([]byte, error) {
	key := strings.TrimPrefix(path, fmt.Sprintf("s3://%s/", s.bucket))
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("get evidence object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read evidence object: %w", err)
	}
	return data, nil
}

func (s *s3Store) Remove(ctx context.Context, path string) error {
	key := strings.TrimPrefix(path, fmt.Sprintf("s3://%s/", s.bucket))
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete evidence object: %w", err)
	}
	return nil
}
