package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"permagate/pkg/types"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// metaLength is the user metadata key holding the declared content length.
const metaLength = "Declared-Length"

var errUploadDiscarded = errors.New("cache upload discarded")

// S3Options address an S3 compatible bucket.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	Prefix          string
}

// S3Store keeps objects in an S3 compatible bucket. Writes stream through a
// pipe into a multipart uploader, so large bodies are never buffered whole.
type S3Store struct {
	client   *awss3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3Store creates a store over the bucket in opts.
func NewS3Store(opts S3Options, logger *zap.Logger) (*S3Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}

	var creds *credentials.Credentials
	if (opts.AccessKeyID == "") != (opts.SecretAccessKey == "") {
		return nil, fmt.Errorf("s3 credentials need both access key id and secret access key")
	} else if opts.AccessKeyID != "" {
		creds = credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, "")
	}

	config := aws.NewConfig()
	if opts.Region != "" {
		config = config.WithRegion(opts.Region)
	}
	if creds != nil {
		config = config.WithCredentials(creds)
	}
	if opts.Endpoint != "" {
		config = config.WithEndpoint(opts.Endpoint)
	}
	if opts.PathStyle {
		config = config.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *config,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}

	client := awss3.New(sess)
	return &S3Store{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		logger:   logger,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, missf(key, "not stored")
		}
		return nil, fmt.Errorf("failed to get s3 object: %w", err)
	}

	meta := types.CacheMeta{
		ContentType:   aws.StringValue(out.ContentType),
		ContentLength: declaredLength(out.Metadata),
	}
	actual := aws.Int64Value(out.ContentLength)
	if meta.ContentLength >= 0 && out.ContentLength != nil && actual != meta.ContentLength {
		out.Body.Close()
		s.logger.Warn("Dropping truncated cache entry",
			zap.String("key", key),
			zap.Int64("declared", meta.ContentLength),
			zap.Int64("actual", actual))
		s.Delete(ctx, key)
		return nil, missf(key, "length mismatch")
	}
	if meta.ContentLength < 0 && out.ContentLength != nil {
		meta.ContentLength = actual
	}

	return &Object{Meta: meta, Body: newLengthReader(out.Body, meta.ContentLength)}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, meta types.CacheMeta) (Writer, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{store: s, key: key, pw: pw, done: make(chan error, 1)}

	input := &s3manager.UploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.objectKey(key)),
		Body:     pr,
		Metadata: map[string]*string{metaLength: aws.String(strconv.FormatInt(meta.ContentLength, 10))},
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	go func() {
		_, err := s.uploader.UploadWithContext(ctx, input)
		// Unblock a writer still feeding the pipe.
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete s3 object: %w", err)
	}
	return nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("s3 bucket %s unreachable: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

type s3Writer struct {
	store *S3Store
	key   string
	pw    *io.PipeWriter
	done  chan error
	once  sync.Once
	err   error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Commit() error {
	w.once.Do(func() {
		w.pw.Close()
		if err := <-w.done; err != nil {
			w.err = fmt.Errorf("failed to upload s3 object: %w", err)
		}
	})
	return w.err
}

func (w *s3Writer) Discard() error {
	w.once.Do(func() {
		w.pw.CloseWithError(errUploadDiscarded)
		if err := <-w.done; err == nil {
			// The upload finished before the pipe was broken.
			w.err = w.store.Delete(context.Background(), w.key)
		}
	})
	return w.err
}

func declaredLength(metadata map[string]*string) int64 {
	for k, v := range metadata {
		if strings.EqualFold(k, metaLength) && v != nil {
			if n, err := strconv.ParseInt(*v, 10, 64); err == nil {
				return n
			}
		}
	}
	return -1
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
