package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/rpcgate/internal/logger"
)

// S3API is the subset of *s3.Client the registrar uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configures an S3Registrar.
type S3Config struct {
	Client S3API
	Bucket string

	// KeyPrefix is prepended to every object key (e.g., "rpcgate/").
	KeyPrefix string

	// Host is the advertised host. Default: the machine hostname.
	Host string

	// Interval between registrations. Default: DefaultReregisterInterval.
	Interval time.Duration
}

// S3Registrar stores one JSON object per alias and server instance in an
// S3 bucket, shared by every server and client that can reach it:
//
//	<prefix><ALIAS>/<instance-id>.json
//
// S3 has no native expiry at this granularity, so each object carries
// ExpiresAt (twice the interval) and Lookup skips stale objects. A bucket
// lifecycle rule can garbage-collect them.
//
// Thread safety:
// All methods are safe for concurrent use.
type S3Registrar struct {
	client     S3API
	bucket     string
	prefix     string
	host       string
	interval   time.Duration
	instanceID string
	now        func() time.Time

	// registered holds the keys written for each port, for Unregister
	mu         sync.Mutex
	registered map[int][]string
}

// NewS3Registrar validates cfg. It performs no request.
func NewS3Registrar(cfg S3Config) (*S3Registrar, error) {
	if cfg.Client == nil {
		return nil, errors.New("s3 registry: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 registry: bucket is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReregisterInterval
	}

	host, err := AdvertiseHost(cfg.Host)
	if err != nil {
		return nil, err
	}

	return &S3Registrar{
		client:     cfg.Client,
		bucket:     cfg.Bucket,
		prefix:     cfg.KeyPrefix,
		host:       host,
		interval:   cfg.Interval,
		instanceID: NewInstanceID(),
		now:        time.Now,
		registered: make(map[int][]string),
	}, nil
}

func (r *S3Registrar) aliasPrefix(alias string) string {
	return r.prefix + strings.ToUpper(alias) + "/"
}

func (r *S3Registrar) objectKey(alias string, port int) string {
	return fmt.Sprintf("%s%s-%d.json", r.aliasPrefix(alias), r.instanceID, port)
}

// Register implements server.Registrar.
func (r *S3Registrar) Register(ctx context.Context, aliases []string, port int) error {
	now := r.now()

	var keys []string
	for _, alias := range NormalizeAliases(aliases) {
		reg := Registration{
			InstanceID:   r.instanceID,
			Alias:        alias,
			Host:         r.host,
			Port:         port,
			RegisteredAt: now,
			ExpiresAt:    now.Add(2 * r.interval),
		}
		body, err := json.Marshal(reg)
		if err != nil {
			return err
		}

		key := r.objectKey(alias, port)
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("s3 registry: failed to put %s: %w", key, err)
		}
		keys = append(keys, key)
	}

	r.mu.Lock()
	r.registered[port] = keys
	r.mu.Unlock()

	logger.Debug("s3 registry: registered %d alias(es) at %s:%d in s3://%s/%s", len(keys), r.host, port, r.bucket, r.prefix)
	return nil
}

// Unregister implements server.Registrar. It deletes the objects written
// by the last Register for port and reports the first failure.
func (r *S3Registrar) Unregister(ctx context.Context, port int) error {
	r.mu.Lock()
	keys := r.registered[port]
	delete(r.registered, port)
	r.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("s3 registry: failed to delete %s: %w", key, err)
		}
	}
	return firstErr
}

// ReregisterInterval implements server.Registrar.
func (r *S3Registrar) ReregisterInterval() time.Duration {
	return r.interval
}

// Lookup lists the registration objects for alias and returns the ones
// that have not expired, oldest first.
func (r *S3Registrar) Lookup(ctx context.Context, alias string) ([]Registration, error) {
	now := r.now()
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.aliasPrefix(alias)),
	})

	var regs []Registration
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 registry: failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			reg, err := r.fetch(ctx, *obj.Key)
			if err != nil {
				logger.Warn("s3 registry: skipping %s: %v", *obj.Key, err)
				continue
			}
			if now.Before(reg.ExpiresAt) {
				regs = append(regs, reg)
			}
		}
	}

	sortRegistrations(regs)
	return regs, nil
}

func (r *S3Registrar) fetch(ctx context.Context, key string) (Registration, error) {
	var reg Registration

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return reg, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return reg, err
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("invalid registration object: %w", err)
	}
	return reg, nil
}
