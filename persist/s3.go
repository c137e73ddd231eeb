package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/keyhold/keyhold/interfaces"
)

// S3Adapter stores entry records in Amazon S3 or a compatible service,
// one object per identity. S3 object writes are atomic, which satisfies
// the no-partial-write requirement directly.
type S3Adapter struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Adapter creates an S3 storage adapter. Endpoint may point at an
// S3-compatible service (MinIO etc.); credentials fall back to the
// default AWS chain when accessKey is empty.
func NewS3Adapter(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Adapter, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Adapter{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Put stores an entry record as a single object write.
func (b *S3Adapter) Put(ctx context.Context, entry interfaces.KeyEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode key entry: %w", err)
	}

	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(b.objectKey(entry.Identity)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	b.log.Debug("Stored key entry in S3", slog.String("identity", entry.Identity.String()))
	return nil
}

// Get retrieves an entry record by identity.
func (b *S3Adapter) Get(ctx context.Context, id interfaces.Identity) (interfaces.KeyEntry, error) {
	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return interfaces.KeyEntry{}, interfaces.ErrUnknownIdentity
		}
		return interfaces.KeyEntry{}, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return interfaces.KeyEntry{}, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	var entry interfaces.KeyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return interfaces.KeyEntry{}, fmt.Errorf("failed to decode key entry: %w", err)
	}
	return entry, nil
}

// Delete removes an entry record by identity. S3 deletes are silent on
// missing keys, so existence is checked first to honor the
// ErrUnknownIdentity contract.
func (b *S3Adapter) Delete(ctx context.Context, id interfaces.Identity) error {
	key := b.objectKey(id)

	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return interfaces.ErrUnknownIdentity
		}
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	_, err = b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

// List enumerates entry metadata, optionally filtered by kind.
func (b *S3Adapter) List(ctx context.Context, kind *interfaces.KeyKind) ([]interfaces.KeyInfo, error) {
	var infos []interfaces.KeyInfo

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(b.entriesPrefix()),
	}

	err := b.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			idStr := path.Base(aws.StringValue(obj.Key))
			id, err := interfaces.NewIdentityFromHex(idStr)
			if err != nil {
				continue
			}

			entry, err := b.Get(ctx, id)
			if err != nil {
				b.log.Warn("Skipping unreadable key entry", slog.String("key", aws.StringValue(obj.Key)), "err", err)
				continue
			}

			if kind != nil && entry.Kind != *kind {
				continue
			}
			infos = append(infos, entry.Info())
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	if infos == nil {
		infos = []interfaces.KeyInfo{}
	}
	return infos, nil
}

// Available checks bucket accessibility.
func (b *S3Adapter) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Debug("S3 adapter unavailable", "err", err)
		return false
	}
	return true
}

// Name returns an identifier for logging.
func (b *S3Adapter) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI identifying this adapter.
func (b *S3Adapter) LocationURI() string {
	return b.locationURI
}

func (b *S3Adapter) entriesPrefix() string {
	if b.prefix == "" {
		return "entries/"
	}
	return b.prefix + "/entries/"
}

func (b *S3Adapter) objectKey(id interfaces.Identity) string {
	return b.entriesPrefix() + id.String()
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
