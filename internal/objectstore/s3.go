package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/waloy/waloy/internal/common"
	"github.com/waloy/waloy/internal/waloyerr"
)

// S3Config configures the S3-backed Store.
type S3Config struct {
	Bucket     string
	Prefix     string
	Region     string
	Endpoint   string // non-empty for S3-compatible backends (MinIO, etc.)
	PathStyle  bool
}

// S3Store implements Store against an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds a Store from cfg, resolving credentials the usual AWS
// way (environment, shared config, IAM role).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindS3, "objectstore.NewS3Store:load_config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Store) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return waloyerr.Wrap(waloyerr.KindS3, fmt.Sprintf("objectstore.Put(%s)", key), err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, waloyerr.Wrap(waloyerr.KindIo, fmt.Sprintf("objectstore.Get(%s)", key), os.ErrNotExist)
		}
		return nil, waloyerr.Wrap(waloyerr.KindS3, fmt.Sprintf("objectstore.Get(%s)", key), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, waloyerr.Wrap(waloyerr.KindS3, fmt.Sprintf("objectstore.Get(%s):read", key), err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return waloyerr.Wrap(waloyerr.KindS3, fmt.Sprintf("objectstore.Delete(%s)", key), err)
	}
	return nil
}

// DeleteBatch deletes keys in batches of up to 1000, the S3 API limit.
func (s *S3Store) DeleteBatch(ctx context.Context, keys []string) error {
	const maxBatch = 1000
	return common.BatchProcess(keys, maxBatch, func(batch []string) error {
		objs := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			objs = append(objs, types.ObjectIdentifier{Key: aws.String(s.fullKey(k))})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objs},
		})
		if err != nil {
			return waloyerr.Wrap(waloyerr.KindS3, "objectstore.DeleteBatch", err)
		}
		return nil
	})
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, waloyerr.Wrap(waloyerr.KindS3, fmt.Sprintf("objectstore.List(%s)", prefix), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			infos = append(infos, ObjectInfo{Key: key, Size: aws.ToInt64(obj.Size)})
		}
	}
	return infos, nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
