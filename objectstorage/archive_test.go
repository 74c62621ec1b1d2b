package objectstorage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    int
	headErr error
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	buf, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = buf
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.StringValue(in.Key)]; !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	buf, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(buf))}, nil
}

func TestArchiver(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	a := NewArchiver(fake, "bucket", "/quarantine/")
	ctx := context.Background()

	key := a.ObjectKey(time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC), "4XYZ", 42)
	assert.Equal(t, "quarantine/2025/09/03/4XYZ/42.eml", key)

	ok, err := a.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Upload(ctx, key, []byte("raw")))
	require.NoError(t, a.Upload(ctx, key, []byte("raw")))
	assert.Equal(t, 1, fake.puts)

	got, err := a.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), got)

	fake.headErr = errors.New("connection refused")
	assert.Error(t, a.Upload(ctx, "other", []byte("raw")))
}
