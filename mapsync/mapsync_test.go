package mapsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/logger"
	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/store"
	"github.com/masa23/quarantined/store/storetest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ipWhitelist = config.Map{Name: "ip_whitelist", Model: config.MapCombined, Fields: []string{"ip"}}
	fromRcpt    = config.Map{Name: "whitelist_from_rcpt", Model: config.MapCombined, Fields: []string{"smtp_from", "rcpt_to"}}
	badWords    = config.Map{Name: "bad_words", Model: config.MapGeneric, Fields: []string{"pattern", "score"}}
)

type fixture struct {
	store   *store.Store
	svc     *Service
	lists   *Lists
	metrics *metrics.Metrics
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storetest.New(t),
		metrics: metrics.NewUnregistered(),
		clock:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.Now = func() time.Time { return f.clock }
	maps := &config.Maps{Dir: t.TempDir(), Mode: 0644, Resolved: []config.Map{ipWhitelist, fromRcpt, badWords}}
	f.svc = NewService(*maps, f.store, logger.Discard(), f.metrics)
	f.svc.Now = func() time.Time { return f.clock }
	f.lists = NewLists(f.store, maps)
	return f
}

func (f *fixture) addIPs(t *testing.T, ips ...string) {
	t.Helper()
	for _, ip := range ips {
		_, err := f.lists.Add(context.Background(), "ip_whitelist", store.Owner{UserID: 1}, map[string]string{"ip": ip})
		require.NoError(t, err)
	}
}

func TestLines(t *testing.T) {
	e := &model.CombinedEntry{SmtpFrom: "a@x.com", RcptTo: "b@y.com"}
	line, ok := CombinedLine(e, []string{"smtp_from", "rcpt_to"})
	assert.True(t, ok)
	assert.Equal(t, "a@x.com|b@y.com", line)

	_, ok = CombinedLine(e, []string{"smtp_from", "ip"})
	assert.False(t, ok)
	_, ok = CombinedLine(&model.CombinedEntry{IP: "1.2.3.4\n5.6.7.8"}, []string{"ip"})
	assert.False(t, ok)

	score := 2.5
	line, ok = GenericLine(&model.GenericEntry{Pattern: " viagra ", Score: &score})
	assert.True(t, ok)
	assert.Equal(t, "viagra 2.5", line)
	line, ok = GenericLine(&model.GenericEntry{Pattern: "casino"})
	assert.True(t, ok)
	assert.Equal(t, "casino", line)
	_, ok = GenericLine(&model.GenericEntry{Pattern: "  "})
	assert.False(t, ok)
}

func TestRegenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addIPs(t, "192.0.2.1", "192.0.2.2", "2001:db8::1")

	stale, err := f.svc.NeedsUpdate(ctx, ipWhitelist)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, f.svc.Regenerate(ctx, ipWhitelist))
	// three changes in one second
	want := f.clock.Add(2 * time.Second)

	buf, err := os.ReadFile(f.svc.Path(ipWhitelist))
	require.NoError(t, err)
	assert.Equal(t, "# Last-Modified: Thu, 01 Oct 2026 12:00:02 GMT\n192.0.2.1\n192.0.2.2\n2001:db8::1\n", string(buf))

	st, err := os.Stat(f.svc.Path(ipWhitelist))
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(want))
	assert.Equal(t, os.FileMode(0644), st.Mode().Perm())

	at, _, err := f.store.Activity(ctx, ipWhitelist.Name)
	require.NoError(t, err)
	assert.True(t, at.Equal(want))

	stale, err = f.svc.NeedsUpdate(ctx, ipWhitelist)
	require.NoError(t, err)
	assert.False(t, stale)

	f.addIPs(t, "198.51.100.7")
	stale, err = f.svc.NeedsUpdate(ctx, ipWhitelist)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, f.svc.Regenerate(ctx, ipWhitelist))
	stale, err = f.svc.NeedsUpdate(ctx, ipWhitelist)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MapRegenerations.WithLabelValues("ip_whitelist", "ok")))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(f.svc.Path(ipWhitelist)), ".*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRegenerateSkipsIncompleteRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddCombined(ctx, &model.CombinedEntry{MapName: fromRcpt.Name, SmtpFrom: "a@x.com", RcptTo: "b@y.com"}, fromRcpt.Fields))
	require.NoError(t, f.store.DB().Create(&model.CombinedEntry{MapName: fromRcpt.Name, SmtpFrom: "c@x.com"}).Error)

	require.NoError(t, f.svc.Regenerate(ctx, fromRcpt))
	pub, err := ReadPublished(f.svc.Path(fromRcpt))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com|b@y.com"}, pub.Entries)
}

func TestRegenerateFailureKeepsActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addIPs(t, "192.0.2.1")
	before, _, err := f.store.Activity(ctx, ipWhitelist.Name)
	require.NoError(t, err)

	f.svc.dir = filepath.Join(t.TempDir(), "missing")
	f.clock = f.clock.Add(time.Hour)
	assert.Error(t, f.svc.Regenerate(ctx, ipWhitelist))

	after, _, err := f.store.Activity(ctx, ipWhitelist.Name)
	require.NoError(t, err)
	assert.True(t, after.Equal(before))

	stale, err := f.svc.NeedsUpdate(ctx, ipWhitelist)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MapRegenerations.WithLabelValues("ip_whitelist", "error")))

	err = f.svc.Regenerate(ctx, config.Map{Name: "x", Model: config.MapModel(99)})
	assert.ErrorIs(t, err, config.ErrUnknownMapModel)
}

func TestFileIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.svc.Path(badWords)
	T := f.clock

	_, err := f.store.StampActivity(ctx, badWords.Name, T)
	require.NoError(t, err)

	tests := []struct {
		name    string
		content string
		stale   bool
	}{
		{"equal", HeaderLine(T) + "\nviagra 1\n", false},
		{"newer", HeaderLine(T.Add(time.Minute)) + "\n", false},
		{"older", HeaderLine(T.Add(-time.Second)) + "\n", true},
		{"no header", "viagra 1\n", true},
		{"bad time", "# Last-Modified: yesterday\n", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			stale, err := f.svc.NeedsUpdate(ctx, badWords)
			require.NoError(t, err)
			assert.Equal(t, tt.stale, stale)
		})
	}

	require.NoError(t, os.Remove(path))
	stale, err := f.svc.NeedsUpdate(ctx, badWords)
	require.NoError(t, err)
	assert.True(t, stale)

	// never changed map with a readable file
	other := config.Map{Name: "quiet", Model: config.MapGeneric}
	require.NoError(t, os.WriteFile(f.svc.Path(other), []byte(HeaderLine(T)+"\n"), 0644))
	stale, err = f.svc.NeedsUpdate(ctx, other)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestParseHeaderLine(t *testing.T) {
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	got, err := ParseHeaderLine("# Last-Modified: Thu, 01 Oct 2026 12:00:00 GMT (da39a3ee5e6b4b0d3255bfef95601890afd80709)\n")
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))

	_, err = ParseHeaderLine("Last-Modified: Thu, 01 Oct 2026 12:00:00 GMT")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestClientCacheIsValid(t *testing.T) {
	lm := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	etag := ETag([]string{"a", "b"})
	lmHeader := lm.Format("Mon, 02 Jan 2006 15:04:05 GMT")
	older := lm.Add(-time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT")

	tests := []struct {
		name string
		inm  string
		ims  string
		want bool
	}{
		{"no validators", "", "", false},
		{"etag match", `"` + etag + `"`, "", true},
		{"weak etag match", `W/"` + etag + `"`, "", true},
		{"etag mismatch", `"deadbeef"`, "", false},
		{"since equal", "", lmHeader, true},
		{"since older", "", older, false},
		{"since garbage", "", "last week", false},
		{"both pass", etag, lmHeader, true},
		{"etag passes, since fails", etag, older, false},
		{"since passes, etag fails", `"x"`, lmHeader, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientCacheIsValid(tt.inm, tt.ims, etag, lm))
		})
	}
}

func TestPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addIPs(t, "192.0.2.1", "192.0.2.2", "192.0.2.3")

	pub, err := f.svc.Published(ctx, ipWhitelist)
	require.NoError(t, err)
	require.Len(t, pub.Entries, 3)
	assert.Equal(t, ETag([]string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}), pub.ETag)

	body := string(pub.Body())
	lines := strings.Split(body, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, fmt.Sprintf("%s (%s)", HeaderLine(pub.LastModified), pub.ETag), lines[0])
	assert.Equal(t, "", lines[4])

	// regeneration failure falls back to the previous file
	f.addIPs(t, "192.0.2.4")
	require.NoError(t, os.Chmod(filepath.Dir(f.svc.Path(ipWhitelist)), 0555))
	t.Cleanup(func() { os.Chmod(filepath.Dir(f.svc.Path(ipWhitelist)), 0755) })
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	pub, err = f.svc.Published(ctx, ipWhitelist)
	require.NoError(t, err)
	assert.Len(t, pub.Entries, 3)
}

func TestConcurrentRegenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ips []string
	for i := 1; i <= 50; i++ {
		ips = append(ips, fmt.Sprintf("192.0.2.%d", i))
	}
	f.addIPs(t, ips...)
	require.NoError(t, f.svc.Regenerate(ctx, ipWhitelist))

	path := f.svc.Path(ipWhitelist)
	done := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				pub, err := ReadPublished(path)
				if !assert.NoError(t, err) || !assert.Len(t, pub.Entries, len(ips)) {
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, f.svc.Regenerate(ctx, ipWhitelist))
			}
		}()
	}
	writers.Wait()
	close(done)
	readers.Wait()

	pub, err := ReadPublished(path)
	require.NoError(t, err)
	assert.Equal(t, ips, pub.Entries)
}

func TestLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := store.Owner{UserID: 1}, store.Owner{UserID: 2}

	id, err := f.lists.Add(ctx, "Whitelist-From-Rcpt", alice, map[string]string{"smtp_from": "A@x.com", "rcpt_to": "b@y.com"})
	require.NoError(t, err)
	_, err = f.lists.Add(ctx, "whitelist_from_rcpt", bob, map[string]string{"smtp_from": "a@X.com", "rcpt_to": "B@y.com"})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = f.lists.Add(ctx, "whitelist_from_rcpt", bob, map[string]string{"smtp_from": "c@x.com"})
	assert.ErrorIs(t, err, ErrMissingValue)
	_, err = f.lists.Add(ctx, "nope", bob, nil)
	assert.ErrorIs(t, err, ErrUnknownMap)

	_, err = f.lists.Add(ctx, "bad_words", bob, map[string]string{"pattern": "casino", "score": "x"})
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = f.lists.Add(ctx, "bad_words", bob, map[string]string{"pattern": "casino", "score": "4"})
	require.NoError(t, err)

	mine, err := f.lists.Entries(ctx, "whitelist_from_rcpt", alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a@x.com|b@y.com", mine[0].Line)

	theirs, err := f.lists.Entries(ctx, "whitelist_from_rcpt", bob)
	require.NoError(t, err)
	assert.Empty(t, theirs)

	assert.ErrorIs(t, f.lists.Delete(ctx, "whitelist_from_rcpt", id, bob), ErrEntryNotFound)
	require.NoError(t, f.lists.Delete(ctx, "whitelist_from_rcpt", id, store.Owner{Admin: true}))

	words, err := f.lists.Entries(ctx, "bad_words", store.Owner{Admin: true})
	require.NoError(t, err)
	require.Len(t, words, 1)
	assert.Equal(t, "casino 4", words[0].Line)
}
