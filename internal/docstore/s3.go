package docstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

// maxDocumentSize bounds how much of an object is read back.
const maxDocumentSize = 1 << 20

// s3API is the subset of the S3 client used by S3Store.
// Extracted as an interface to enable unit testing without live AWS credentials.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type S3Options struct {
	Logger log.Logger
	Client *s3.Client
	Bucket string
	Prefix string
}

// S3Store keeps each document as one JSON object. Create uses
// If-None-Match: * and Update uses If-Match: <etag>, so both are atomic
// compare-and-set operations on the bucket.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger log.Logger
}

func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	return newS3Store(opts.Client, opts.Bucket, opts.Prefix, opts.Logger), nil
}

func newS3Store(client s3API, bucket, prefix string, logger log.Logger) *S3Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

func (s *S3Store) objectKey(key string) string {
	k := strings.TrimLeft(key, "/") + ".json"
	if s.prefix == "" {
		return k
	}
	return path.Join(s.prefix, k)
}

func (s *S3Store) Get(ctx context.Context, key string) (Document, error) {
	if err := checkKey(key); err != nil {
		return Document{}, err
	}
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return Document{}, ErrNotFound
		}
		return Document{}, xerrors.Wrapf(err, "get s3://%s/%s", s.bucket, objKey)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentSize+1))
	if err != nil {
		return Document{}, xerrors.Wrapf(err, "read s3://%s/%s", s.bucket, objKey)
	}
	if len(body) > maxDocumentSize {
		return Document{}, xerrors.Newf("document s3://%s/%s exceeds %d bytes", s.bucket, objKey, maxDocumentSize)
	}
	return Document{Body: body, Version: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) Create(ctx context.Context, key string, body []byte) (string, error) {
	return s.put(ctx, key, body, &s3.PutObjectInput{IfNoneMatch: aws.String("*")})
}

func (s *S3Store) Update(ctx context.Context, key string, body []byte, version string) (string, error) {
	if version == "" {
		return "", xerrors.New("update requires a version")
	}
	return s.put(ctx, key, body, &s3.PutObjectInput{IfMatch: aws.String(version)})
}

func (s *S3Store) put(ctx context.Context, key string, body []byte, in *s3.PutObjectInput) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	objKey := s.objectKey(key)
	in.Bucket = aws.String(s.bucket)
	in.Key = aws.String(objKey)
	in.Body = bytes.NewReader(body)
	in.ContentLength = aws.Int64(int64(len(body)))
	in.ContentType = aws.String("application/json")

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			s.logger.Debug(ctx, "conditional put lost", "key", objKey)
			return "", ErrPreconditionFailed
		case isNotFound(err):
			return "", ErrNotFound
		}
		return "", xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, objKey)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return xerrors.Wrapf(err, "head bucket %s", s.bucket)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isPreconditionFailed matches both the 412 returned for a failed
// If-Match/If-None-Match and the 409 S3 returns when a concurrent
// conditional write is in flight on the same key.
func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
