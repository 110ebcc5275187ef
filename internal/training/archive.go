package training

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/ignite/mailbox-classifier/internal/config"
)

// Archiver uploads corpus snapshots to S3 so retraining can run against
// a frozen copy while the live logs keep growing.
type Archiver struct {
	s3Client *s3.Client
	bucket   string
	corpus   *Corpus
}

// NewArchiver builds an archiver from the training configuration.
// Static credentials are used when configured; otherwise the default
// chain applies (IAM role on ECS).
func NewArchiver(ctx context.Context, cfg appconfig.TrainingConfig, corpus *Corpus) (*Archiver, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.S3Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"", // session token (empty for static creds)
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Archiver{
		s3Client: s3.NewFromConfig(awsCfg),
		bucket:   cfg.S3Bucket,
		corpus:   corpus,
	}, nil
}

// Enabled reports whether an archive bucket is configured.
func (a *Archiver) Enabled() bool {
	return a.bucket != ""
}

// Archive uploads every corpus log under a timestamped prefix and
// returns the uploaded keys.
func (a *Archiver) Archive(ctx context.Context) ([]string, error) {
	files, err := a.corpus.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	prefix := "training-data/" + time.Now().UTC().Format("2006-01-02T15-04-05Z")
	keys := make([]string, 0, len(files))
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(a.corpus.Dir(), filepath.FromSlash(rel)))
		if err != nil {
			return keys, fmt.Errorf("reading training log %s: %w", rel, err)
		}

		key := path.Join(prefix, rel)
		_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return keys, fmt.Errorf("putting object to S3: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
