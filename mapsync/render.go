package mapsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/model"
)

// renderer produces the entry lines of one map kind.
type renderer func(ctx context.Context, st Store, m config.Map) ([]string, error)

func rendererFor(kind config.MapModel) (renderer, error) {
	switch kind {
	case config.MapCombined:
		return renderCombined, nil
	case config.MapGeneric:
		return renderGeneric, nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownMapModel, kind)
	}
}

func renderCombined(ctx context.Context, st Store, m config.Map) ([]string, error) {
	rows, err := st.CombinedEntries(ctx, m.Name, nil)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(rows))
	for i := range rows {
		if line, ok := CombinedLine(&rows[i], m.Fields); ok {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func renderGeneric(ctx context.Context, st Store, m config.Map) ([]string, error) {
	rows, err := st.GenericEntries(ctx, m.Name, nil)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(rows))
	for i := range rows {
		if line, ok := GenericLine(&rows[i]); ok {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// CombinedLine joins the fields of e with "|". Rows missing any field are
// not rendered.
func CombinedLine(e *model.CombinedEntry, fields []string) (string, bool) {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		v := strings.TrimSpace(e.Field(f))
		if v == "" || strings.ContainsAny(v, "\r\n") {
			return "", false
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, "|"), true
}

// GenericLine renders "pattern score", or just the pattern without a score.
func GenericLine(e *model.GenericEntry) (string, bool) {
	pattern := strings.TrimSpace(e.Pattern)
	if pattern == "" || strings.ContainsAny(pattern, "\r\n") {
		return "", false
	}
	if e.Score == nil {
		return pattern, true
	}
	return strings.TrimSpace(pattern + " " + strconv.FormatFloat(*e.Score, 'f', -1, 64)), true
}
