package mailope

import (
	"fmt"
	"sort"
	"unicode/utf8"
)

// Limits maps a field name to its maximum length in characters.
type Limits map[string]int

// FieldLimits are the column budgets of model.Message.
var FieldLimits = Limits{
	"queue_id":     64,
	"server":       255,
	"action":       32,
	"mail_from":    255,
	"rcpt_to":      4096,
	"mime_from":    255,
	"mime_to":      4096,
	"subject":      998,
	"message_id":   255,
	"ip":           45,
	"headers":      16383,
	"virus_engine": 64,
	"virus_name":   255,
}

// RecipientLimit is the column budget of one model.Recipient email.
const RecipientLimit = 255

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) (string, bool) {
	if n < 0 {
		n = 0
	}
	if len(s) <= n || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

// Normalize returns a copy of fields with every limited field cut to its
// limit, plus one warning per cut field. Fields without a limit are copied
// unchanged.
func Normalize(fields map[string]string, limits Limits) (map[string]string, []string) {
	if fields == nil {
		return nil, nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		v, ok := out[name]
		if !ok {
			continue
		}
		cut, truncated := Truncate(v, limits[name])
		if !truncated {
			continue
		}
		out[name] = cut
		warnings = append(warnings, fmt.Sprintf("field %s truncated from %d to %d characters",
			name, utf8.RuneCountInString(v), limits[name]))
	}
	return out, warnings
}
