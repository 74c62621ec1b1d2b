package sweeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/masa23/quarantined/logger"
	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/objectstorage"
	"github.com/masa23/quarantined/quarantine"
	"github.com/masa23/quarantined/store"
	"github.com/masa23/quarantined/store/storetest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *store.Store
	q       *quarantine.Store
	sweeper *Sweeper
	metrics *metrics.Metrics
	now     time.Time
}

func newFixture(t *testing.T, batch int) *fixture {
	t.Helper()
	f := &fixture{
		store:   storetest.New(t),
		q:       quarantine.New(t.TempDir(), false),
		metrics: metrics.NewUnregistered(),
		now:     time.Now().UTC(),
	}
	f.sweeper = New(f.store, f.q, "mx1", batch, logger.Discard(), f.metrics)
	f.sweeper.Now = func() time.Time { return f.now }
	return f
}

// add stores a message ingested daysAgo on server. With quarantined set
// the raw message is written to the quarantine directory.
func (f *fixture) add(t *testing.T, qid, server string, daysAgo int, quarantined bool) *model.Message {
	t.Helper()
	msg := &model.Message{
		QueueID:     qid,
		Server:      server,
		Symbols:     []model.Symbol{},
		FuzzyHashes: []string{},
		MailStored:  true,
	}
	if quarantined {
		loc, err := f.q.Save(qid, []byte("Subject: "+qid+"\r\n\r\n"))
		require.NoError(t, err)
		msg.MailLocation = &loc
	}
	_, err := f.store.SaveMessage(context.Background(), msg, nil)
	require.NoError(t, err)
	created := f.now.AddDate(0, 0, -daysAgo)
	require.NoError(t, f.store.DB().Model(msg).Update("created_at", created).Error)
	msg.CreatedAt = created
	return msg
}

func (f *fixture) stored(t *testing.T, msg *model.Message) bool {
	t.Helper()
	got, err := f.store.Message(context.Background(), msg.ID)
	require.NoError(t, err)
	return got.MailStored
}

func TestSweepRemovesExpired(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	old := f.add(t, "OLD1", "mx1", 400, true)
	fresh := f.add(t, "NEW1", "mx1", 10, true)

	rep, err := f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Deleted)
	assert.EqualValues(t, 1, rep.Cleared)

	_, err = os.Stat(*old.MailLocation)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, f.stored(t, old))

	_, err = os.Stat(*fresh.MailLocation)
	assert.NoError(t, err)
	assert.True(t, f.stored(t, fresh))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepDeleted))

	// nothing left to do
	rep, err = f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Zero(t, rep.Candidates)
}

func TestSweepClearsAlreadyGone(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	msg := f.add(t, "GONE1", "mx1", 400, true)
	require.NoError(t, os.RemoveAll(*msg.MailLocation))

	rep, err := f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Missing)
	assert.Zero(t, rep.Failed)
	assert.EqualValues(t, 1, rep.Cleared)
	assert.False(t, f.stored(t, msg))
}

func TestSweepKeepsFailures(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	outside := t.TempDir()
	escape := f.add(t, "ESC1", "mx1", 400, false)
	require.NoError(t, f.store.DB().Model(escape).Update("mail_location", outside).Error)
	ok := f.add(t, "OK1", "mx1", 400, true)

	rep, err := f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Deleted)

	assert.True(t, f.stored(t, escape))
	assert.False(t, f.stored(t, ok))
	_, err = os.Stat(outside)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepFailed))
}

func TestSweepBatches(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	var msgs []*model.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, f.add(t, fmt.Sprintf("B%d", i), "mx1", 400, true))
	}
	rep, err := f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Deleted)
	assert.EqualValues(t, 5, rep.Cleared)
	for _, m := range msgs {
		assert.False(t, f.stored(t, m))
	}
}

func TestSweepDryRunAndLocalOnly(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	local := f.add(t, "L1", "mx1", 400, true)
	remote := f.add(t, "R1", "mx2", 400, true)
	f.add(t, "NOLOC", "mx1", 400, false)

	rep, err := f.sweeper.Sweep(ctx, Options{Days: 365, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Zero(t, rep.Deleted)
	assert.Zero(t, rep.Cleared)
	assert.EqualValues(t, 1, rep.MissingLocation)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepMissingPaths))
	assert.True(t, f.stored(t, local))
	_, err = os.Stat(*local.MailLocation)
	assert.NoError(t, err)

	rep, err = f.sweeper.Sweep(ctx, Options{Days: 365, LocalOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	assert.False(t, f.stored(t, local))
	assert.True(t, f.stored(t, remote))

	_, err = f.sweeper.Sweep(ctx, Options{Days: 0})
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func (s *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if s.putErr != nil {
		return nil, s.putErr
	}
	buf, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.objects[aws.StringValue(in.Key)] = buf
	return &s3.PutObjectOutput{}, nil
}

func (s *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if _, ok := s.objects[aws.StringValue(in.Key)]; !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (s *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	buf, ok := s.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(buf))}, nil
}

func TestSweepArchivesFirst(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	bucket := &fakeS3{objects: map[string][]byte{}}
	archiver := objectstorage.NewArchiver(bucket, "quarantine", "cold")
	f.sweeper.WithArchiver(NewObjectArchive(archiver, f.q))

	msg := f.add(t, "ARC1", "mx1", 400, true)
	key := archiver.ObjectKey(msg.CreatedAt.UTC(), "ARC1", msg.ID)

	bucket.putErr = errors.New("bucket unavailable")
	rep, err := f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.True(t, f.stored(t, msg))
	_, err = os.Stat(*msg.MailLocation)
	assert.NoError(t, err)

	bucket.putErr = nil
	rep, err = f.sweeper.Sweep(ctx, Options{Days: 365})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, []byte("Subject: ARC1\r\n\r\n"), bucket.objects[key])
	assert.False(t, f.stored(t, msg))
}

func TestFileLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sweep.lock")

	a, b := NewFileLock(path), NewFileLock(path)
	require.NoError(t, a.Acquire(ctx))
	assert.ErrorIs(t, b.Acquire(ctx), ErrLocked)
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Release(ctx))
	require.NoError(t, b.Release(ctx))

	// left behind by a process that no longer exists
	require.NoError(t, os.WriteFile(path, []byte("2147483647\n"), 0644))
	require.NoError(t, a.Acquire(ctx))
	require.NoError(t, a.Release(ctx))

	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0644))
	assert.ErrorIs(t, a.Acquire(ctx), ErrLocked)
}

func TestRedisLock(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Redis lock test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(ctx).Err(); err != nil {
		probe.Close()
		t.Skipf("Redis not available, skipping test: %v", err)
	}
	probe.Close()

	key := fmt.Sprintf("quarantined:test:%d", time.Now().UnixNano())
	a := NewRedisLock(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), key, time.Minute)
	b := NewRedisLock(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), key, time.Minute)

	require.NoError(t, a.Acquire(ctx))
	assert.ErrorIs(t, b.Acquire(ctx), ErrLocked)
	require.NoError(t, a.Release(ctx))

	c := NewRedisLock(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), key, time.Minute)
	require.NoError(t, c.Acquire(ctx))
	require.NoError(t, c.Release(ctx))
	require.NoError(t, b.Release(ctx))
}
