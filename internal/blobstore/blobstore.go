// Package blobstore reads and clears audio chunk payloads. Chunk audio lives
// either inline in Postgres or offloaded to S3 under the chunk's storage key.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"meeting-transcriber/internal/config"
	"meeting-transcriber/internal/models"
)

// ChunkStore reads and clears the audio payload of a chunk.
type ChunkStore interface {
	Fetch(ctx context.Context, chunk models.AudioChunk) ([]byte, error)
	Clear(ctx context.Context, chunk models.AudioChunk) error
}

// ChunkRows is the row-level surface the blobstore needs from persistence.
type ChunkRows interface {
	ClearChunkAudio(ctx context.Context, id string) error
}

// New picks the S3-backed store when a bucket is configured, inline otherwise.
func New(ctx context.Context, cfg config.Config, rows ChunkRows) (ChunkStore, error) {
	if cfg.AudioS3Bucket == "" {
		return &InlineStore{rows: rows}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.AudioS3Bucket, rows: rows}, nil
}

// InlineStore serves audio straight from the chunk row.
type InlineStore struct {
	rows ChunkRows
}

func (s *InlineStore) Fetch(_ context.Context, chunk models.AudioChunk) ([]byte, error) {
	return chunk.AudioBlob, nil
}

func (s *InlineStore) Clear(ctx context.Context, chunk models.AudioChunk) error {
	return s.rows.ClearChunkAudio(ctx, chunk.ID)
}

// S3Store serves audio from an object under the chunk's storage key, falling
// back to the inline blob for chunks written before offloading was enabled.
type S3Store struct {
	client *s3.Client
	bucket string
	rows   ChunkRows
}

func (s *S3Store) Fetch(ctx context.Context, chunk models.AudioChunk) ([]byte, error) {
	if chunk.StorageKey == nil {
		return chunk.AudioBlob, nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(*chunk.StorageKey),
	})
	if err != nil {
		return nil, fmt.Errorf("get chunk object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk object: %w", err)
	}
	return data, nil
}

func (s *S3Store) Clear(ctx context.Context, chunk models.AudioChunk) error {
	if chunk.StorageKey != nil {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(*chunk.StorageKey),
		})
		if err != nil {
			return fmt.Errorf("delete chunk object: %w", err)
		}
	}
	return s.rows.ClearChunkAudio(ctx, chunk.ID)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AudioS3Region),
	}
	if cfg.AudioS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AudioS3Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.AudioS3Region,
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
		o.UsePathStyle = cfg.AudioS3Endpoint != ""
	}), nil
}
