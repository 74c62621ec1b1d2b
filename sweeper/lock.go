package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/masa23/quarantined/config"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("another sweep is running")

// Locker guards a single active sweep.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

const (
	lockKey = "quarantined:sweep"
	lockTTL = 6 * time.Hour
)

// NewLocker returns the lock configured in conf: Redis when an address is
// set, otherwise a lock file.
func NewLocker(conf config.Lock) (Locker, error) {
	if conf.Redis != "" {
		return NewRedisLock(redis.NewClient(&redis.Options{Addr: conf.Redis}), lockKey, lockTTL), nil
	}
	if conf.File != "" {
		return NewFileLock(conf.File), nil
	}
	return nil, errors.New("no sweep lock configured")
}

// RedisLock is a SET NX lock holding a random token, so only the holder
// releases it.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, token: uuid.New().String(), ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("sweep lock SETNX: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if cerr := l.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// FileLock is an O_EXCL lock file holding the owner's pid. A lock left by
// a dead process is taken over.
type FileLock struct {
	path string
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (l *FileLock) Acquire(context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		fd, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, err = fmt.Fprintf(fd, "%d\n", os.Getpid())
			if cerr := fd.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(l.path)
			}
			return err
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if !l.stale() {
			return ErrLocked
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return ErrLocked
}

// stale reports whether the pid in the lock file no longer runs.
func (l *FileLock) stale() bool {
	buf, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil || pid <= 0 {
		return false
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func (l *FileLock) Release(context.Context) error {
	err := os.Remove(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
