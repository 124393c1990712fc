// Package s3 is a Backend over a key prefix of an S3 bucket. Folders are
// zero byte "<key>/" markers, and are also implied by the keys below them.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/twinsync/internal/backend"
)

// DeleteObjects accepts at most this many keys per call
const deleteBatchSize = 1000

// API is the subset of *s3.Client the backend uses.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Backend struct {
	id     backend.ID
	label  string
	client API
	bucket string
	prefix string
}

var (
	_ backend.Backend  = (*Backend)(nil)
	_ backend.Digester = (*Backend)(nil)
)

// New builds an S3 client from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func New(ctx context.Context, id backend.ID, label string, cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewWithClient(id, label, client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(id backend.ID, label string, client API, cfg *Config) *Backend {
	return &Backend{
		id:     id,
		label:  label,
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.keyPrefix(),
	}
}

func (b *Backend) ID() backend.ID { return b.id }
func (b *Backend) Label() string  { return b.label }

func (b *Backend) List(ctx context.Context) ([]backend.Object, error) {
	var objects []backend.Object
	folders := make(map[string]bool)

	addFolder := func(p string, modTime time.Time) {
		if folders[p] {
			return
		}
		folders[p] = true
		objects = append(objects, backend.Object{Path: p, IsFolder: true, ModifiedAt: modTime})
	}

	err := b.eachObject(ctx, b.prefix, func(obj types.Object) {
		p := b.toPath(aws.ToString(obj.Key))
		if p == backend.Separator {
			return
		}
		modTime := aws.ToTime(obj.LastModified)
		for _, parent := range backend.ParentFolders(p) {
			addFolder(parent, modTime)
		}
		if backend.IsFolderPath(p) {
			addFolder(p, modTime)
			return
		}
		objects = append(objects, backend.Object{
			Path:       p,
			ModifiedAt: modTime,
			Size:       aws.ToInt64(obj.Size),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", b.bucket, b.prefix, err)
	}
	return objects, nil
}

func (b *Backend) CreateFolder(ctx context.Context, p string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &b.bucket,
		Key:           aws.String(b.toKey(backend.FolderPath(p))),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("create folder %s: %w", p, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	if !backend.IsFolderPath(p) {
		key := b.toKey(p)
		if err := b.head(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: &key}); err != nil {
			return fmt.Errorf("delete %s: %w", p, mapErr(err))
		}
		return nil
	}

	keys, err := b.keysUnder(ctx, b.toKey(backend.FolderPath(p)))
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("delete %s: %w", p, backend.ErrNotFound)
	}
	return b.deleteKeys(ctx, keys)
}

// Move copies then deletes, key by key for folders. S3 has no rename.
func (b *Backend) Move(ctx context.Context, src, dst string) error {
	if !backend.IsFolderPath(src) {
		srcKey := b.toKey(src)
		if err := b.head(ctx, srcKey); err != nil {
			return fmt.Errorf("move %s: %w", src, err)
		}
		return b.moveKey(ctx, srcKey, b.toKey(dst))
	}

	srcPrefix, dstPrefix := b.toKey(backend.FolderPath(src)), b.toKey(backend.FolderPath(dst))
	keys, err := b.keysUnder(ctx, srcPrefix)
	if err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("move %s: %w", src, backend.ErrNotFound)
	}
	for _, key := range keys {
		if err := b.moveKey(ctx, key, dstPrefix+strings.TrimPrefix(key, srcPrefix)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    aws.String(b.toKey(p)),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, mapErr(err))
	}
	return resp.Body, nil
}

// Upload needs size up front; r should be seekable for signing over plain
// HTTP endpoints. Objects are stored with a sha256 checksum so ContentDigest
// can answer without a download.
func (b *Backend) Upload(ctx context.Context, p string, r io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &b.bucket,
		Key:               aws.String(b.toKey(p)),
		Body:              r,
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}
	return nil
}

// ContentDigest reads the sha256 checksum S3 keeps for the object. Objects
// written without one, or uploaded in parts, answer backend.ErrNoDigest.
func (b *Backend) ContentDigest(ctx context.Context, p string) (string, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       &b.bucket,
		Key:          aws.String(b.toKey(p)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", p, mapErr(err))
	}

	// multipart checksums look like "<base64>-<parts>" and hash the parts
	checksum := aws.ToString(out.ChecksumSHA256)
	if checksum == "" || strings.Contains(checksum, "-") {
		return "", fmt.Errorf("digest %s: %w", p, backend.ErrNoDigest)
	}
	sum, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", p, err)
	}
	return hex.EncodeToString(sum), nil
}

func (b *Backend) eachObject(ctx context.Context, prefix string, fn func(types.Object)) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			fn(obj)
		}
	}
	return nil
}

func (b *Backend) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.eachObject(ctx, prefix, func(obj types.Object) {
		keys = append(keys, aws.ToString(obj.Key))
	})
	return keys, err
}

func (b *Backend) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		batch := keys[start:min(start+deleteBatchSize, len(keys))]
		ids := make([]types.ObjectIdentifier, len(batch))
		for i := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(batch[i])}
		}

		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &b.bucket,
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", mapErr(err))
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete objects: %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
		slog.Debug("s3 delete batch", "bucket", b.bucket, "keys", len(batch))
	}
	return nil
}

func (b *Backend) moveKey(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &b.bucket,
		CopySource: aws.String(b.bucket + "/" + url.PathEscape(srcKey)),
		Key:        &dstKey,
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcKey, dstKey, mapErr(err))
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: &srcKey}); err != nil {
		return fmt.Errorf("delete %s: %w", srcKey, mapErr(err))
	}
	return nil
}

func (b *Backend) head(ctx context.Context, key string) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.bucket, Key: &key})
	return mapErr(err)
}

func (b *Backend) toKey(p string) string {
	return b.prefix + strings.TrimPrefix(backend.CleanPath(p), backend.Separator)
}

func (b *Backend) toPath(key string) string {
	return backend.CleanPath(strings.TrimPrefix(key, b.prefix))
}

// mapErr turns the not-found shapes S3 reports into backend.ErrNotFound.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", backend.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", backend.ErrNotFound, err)
		}
	}
	return err
}
