package mailope

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/k0kubun/pp/v3"
)

// DebugSink dumps raw submissions for troubleshooting a scanner setup.
type DebugSink struct {
	dir     string
	printer *pp.PrettyPrinter
}

func NewDebugSink(dir string) *DebugSink {
	printer := pp.New()
	printer.SetColoringEnabled(false)
	return &DebugSink{dir: dir, printer: printer}
}

// Dump writes the symbols, the message header block and the request
// environment of req into three files and returns their common prefix.
func (d *DebugSink) Dump(req *Request) (string, error) {
	if err := os.MkdirAll(d.dir, 0750); err != nil {
		return "", err
	}
	prefix := filepath.Join(d.dir, fmt.Sprintf("%s-%s",
		req.Received.UTC().Format("20060102T150405"), uuid.New().String()))

	files := []struct {
		suffix string
		body   []byte
	}{
		{"symbols.txt", []byte(d.printer.Sprint(req.Metadata))},
		{"headers.txt", headerBlock(req.Message)},
		{"env.txt", []byte(d.printer.Sprint(redact(req.Env)))},
	}
	for _, f := range files {
		if err := os.WriteFile(prefix+"-"+f.suffix, f.body, 0640); err != nil {
			return prefix, err
		}
	}
	return prefix, nil
}

func redact(env Env) Env {
	if env.Headers.Get("Authorization") == "" {
		return env
	}
	env.Headers = env.Headers.Clone()
	env.Headers.Set("Authorization", "***REDACTED***")
	return env
}

func receivedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
