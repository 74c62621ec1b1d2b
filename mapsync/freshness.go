package mapsync

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const headerPrefix = "# Last-Modified: "

var ErrBadHeader = errors.New("map file has no Last-Modified header")

// HeaderLine is the first line of a published map file.
func HeaderLine(ts time.Time) string {
	return headerPrefix + ts.UTC().Format(http.TimeFormat)
}

// ParseHeaderLine returns the timestamp embedded in a map file header. A
// trailing " (<etag>)" as found in served bodies is ignored.
func ParseHeaderLine(line string) (time.Time, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, headerPrefix) {
		return time.Time{}, ErrBadHeader
	}
	v := strings.TrimPrefix(line, headerPrefix)
	if i := strings.Index(v, " ("); i >= 0 {
		v = v[:i]
	}
	ts, err := http.ParseTime(strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return ts, nil
}

// FileTimestamp reads only the first line of the map file at path.
func FileTimestamp(path string) (time.Time, error) {
	fd, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer fd.Close()

	line, err := bufio.NewReader(fd).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return time.Time{}, err
	}
	return ParseHeaderLine(line)
}

// IsStale reports whether a file stamped fileTS is older than the last
// change of its map. changed is false when the map never changed.
func IsStale(fileTS, lastChanged time.Time, changed bool) bool {
	if !changed {
		return false
	}
	return fileTS.Before(lastChanged)
}

// ETag is the hex sha1 of the entry lines joined by "\n".
func ETag(entries []string) string {
	sum := sha1.Sum([]byte(strings.Join(entries, "\n")))
	return hex.EncodeToString(sum[:])
}

// ClientCacheIsValid reports whether the copy a client validated with
// If-None-Match and If-Modified-Since is still current. Without either
// header the copy is never valid; with both, both must pass.
func ClientCacheIsValid(ifNoneMatch, ifModifiedSince, etag string, lastModified time.Time) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	ifModifiedSince = strings.TrimSpace(ifModifiedSince)
	if ifNoneMatch == "" && ifModifiedSince == "" {
		return false
	}
	if ifNoneMatch != "" {
		tag := strings.TrimPrefix(ifNoneMatch, "W/")
		tag = strings.Trim(tag, `"`)
		if tag != etag {
			return false
		}
	}
	if ifModifiedSince != "" {
		since, err := http.ParseTime(ifModifiedSince)
		if err != nil {
			return false
		}
		if since.Before(lastModified.Truncate(time.Second)) {
			return false
		}
	}
	return true
}

// Published is the served form of a map file.
type Published struct {
	Entries      []string
	ETag         string
	LastModified time.Time
}

// ReadPublished loads the map file at path.
func ReadPublished(path string) (*Published, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	header, rest, _ := bytes.Cut(buf, []byte("\n"))
	ts, err := ParseHeaderLine(string(header))
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(string(rest), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			entries = append(entries, line)
		}
	}
	return &Published{Entries: entries, ETag: ETag(entries), LastModified: ts}, nil
}

// Body is the served document: a header line carrying the etag, then one
// entry per line.
func (p *Published) Body() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s (%s)\n", HeaderLine(p.LastModified), p.ETag)
	for _, e := range p.Entries {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	return b.Bytes()
}
