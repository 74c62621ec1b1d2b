package objectstorage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/masa23/quarantined/config"
)

// S3API is the part of the S3 client the archiver uses.
type S3API interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// Archiver copies swept messages to an S3 bucket before they are removed
// from the quarantine directory.
type Archiver struct {
	client S3API
	bucket string
	prefix string
}

func NewClient(conf config.ObjectStorage) (*s3.S3, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(conf.Region),
		Endpoint:         aws.String(conf.Endpoint),
		S3ForcePathStyle: aws.Bool(conf.Endpoint != ""),
		Credentials: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     conf.AccessKey,
					SecretAccessKey: conf.SecretKey,
				},
			},
		}),
	})
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

func NewArchiver(client S3API, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey builds YYYY/MM/DD/<queue id>/<message id>.eml from the message
// creation time.
func (a *Archiver) ObjectKey(created time.Time, queueID string, id uint64) string {
	key := fmt.Sprintf("%04d/%02d/%02d/%s/%d.eml",
		created.Year(), created.Month(), created.Day(), queueID, id)
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	return key
}

// Exists reports whether key is already in the bucket.
func (a *Archiver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, "NotFound":
				return false, nil
			}
		}
		return false, err
	}
	return true, nil
}

// Upload stores raw under key unless it is already there.
func (a *Archiver) Upload(ctx context.Context, key string, raw []byte) error {
	ok, err := a.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check archive object %s: %w", key, err)
	}
	if ok {
		return nil
	}
	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return fmt.Errorf("upload archive object %s: %w", key, err)
	}
	return nil
}

// Download returns an archived message.
func (a *Archiver) Download(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
