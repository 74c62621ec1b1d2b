package mailparser

import (
	"errors"
	"strings"
)

var (
	ErrInvalidEmailFormat = errors.New("invalid email address format")
)

// ParseAddressList splits a To/Cc style header on commas that are neither
// quoted nor inside a comment.
func ParseAddressList(s string) ([]string, error) {
	var addresses []string
	var sc scanner
	var buf strings.Builder

	flush := func() {
		if part := strings.TrimSpace(buf.String()); part != "" {
			addresses = append(addresses, part)
		}
		buf.Reset()
	}

	for _, r := range s {
		if !sc.step(r) {
			continue
		}
		if r == ',' && !sc.quoted {
			flush()
			continue
		}
		buf.WriteRune(r)
	}
	flush()

	if len(addresses) == 0 {
		return nil, ErrInvalidEmailFormat
	}
	return addresses, nil
}

// ParseAddress extracts the display name and the mailbox/host parts of a
// single From style address.
func ParseAddress(s string) (name, mbox, host string) {
	var sc scanner
	var buf strings.Builder
	var inAngle bool
	start, end := -1, -1

	for _, r := range s {
		if !sc.step(r) {
			continue
		}
		switch {
		case r == '<' && !sc.quoted && !inAngle:
			inAngle = true
			start = buf.Len()
		case r == '>' && !sc.quoted && inAngle:
			inAngle = false
			end = buf.Len()
		}
		buf.WriteRune(r)
	}

	clean := buf.String()
	address := clean
	if start >= 0 && start < end {
		address = clean[start+1 : end]
		name = strings.Trim(strings.TrimSpace(clean[:start]), `"`)
	}
	mbox, host = splitAddress(strings.TrimSpace(address))
	return name, mbox, host
}

// Addresses returns the lower cased bare addresses found in a header value,
// dropping duplicates and entries without a mailbox.
func Addresses(header string) []string {
	list, err := ParseAddressList(header)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(list))
	var out []string
	for _, a := range list {
		_, mbox, host := ParseAddress(a)
		if mbox == "" {
			continue
		}
		addr := strings.ToLower(mbox)
		if host != "" {
			addr += "@" + strings.ToLower(host)
		}
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// Address returns the first bare address of a header value, or "".
func Address(header string) string {
	if a := Addresses(header); len(a) > 0 {
		return a[0]
	}
	return ""
}

func splitAddress(address string) (mbox, host string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return strings.TrimSpace(address), ""
	}
	return strings.TrimSpace(address[:at]), strings.TrimSpace(address[at+1:])
}

// scanner tracks RFC 5322 quoting, escapes and (nested) comments.
type scanner struct {
	quoted  bool
	escape  bool
	comment int
}

// step consumes r and reports whether it belongs to the visible text.
func (s *scanner) step(r rune) bool {
	switch {
	case s.escape:
		s.escape = false
		return s.comment == 0
	case r == '\\':
		s.escape = true
		return s.comment == 0
	case s.comment > 0:
		switch r {
		case '(':
			s.comment++
		case ')':
			s.comment--
		}
		return false
	case r == '"':
		s.quoted = !s.quoted
		return true
	case r == '(' && !s.quoted:
		s.comment = 1
		return false
	}
	return true
}
