package mailope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/masa23/quarantined/model"
)

// Transports a scan result can arrive by.
const (
	TransportHeaders   = "headers"
	TransportMultipart = "multipart"
)

// Env is the request environment captured at the HTTP boundary.
type Env struct {
	RemoteIP string
	Method   string
	Path     string
	Headers  http.Header
}

// Metadata is the scanner's verdict, whichever transport carried it.
type Metadata struct {
	QueueID string
	Score   string
	Action  string
	From    string
	Subject string
	IP      string
	User    string
	Size    int64
	Rcpt    []string
	Symbols []model.Symbol
	Fuzzy   []string
}

// Request is one scan result ready for the pipeline.
type Request struct {
	Transport string
	Metadata  Metadata
	Message   []byte
	Env       Env
	Received  time.Time
}

// flexString accepts a JSON string, number, bool or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(strconv.FormatBool(v))
	return nil
}

// flexStrings accepts a JSON array of strings, a single string or null.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = nil
		return nil
	}
	if b[0] == '[' {
		var list []flexString
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		out := make([]string, 0, len(list))
		for _, s := range list {
			if s != "" {
				out = append(out, string(s))
			}
		}
		*f = out
		return nil
	}
	var s flexString
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = splitList(string(s))
	return nil
}

type jsonSymbol struct {
	Name    string      `json:"name"`
	Score   float64     `json:"score"`
	Options flexStrings `json:"options"`
	Group   string      `json:"group"`
	Groups  []string    `json:"groups"`
}

func (s jsonSymbol) symbol(name string) model.Symbol {
	if s.Name != "" {
		name = s.Name
	}
	group := s.Group
	if group == "" && len(s.Groups) > 0 {
		group = s.Groups[0]
		for _, g := range s.Groups {
			if strings.EqualFold(g, antivirusGroup) {
				group = g
			}
		}
	}
	return model.Symbol{Name: name, Score: s.Score, Options: []string(s.Options), Group: group}
}

// symbolList accepts the exporter's array form and the scan reply's
// name -> symbol object form.
type symbolList []model.Symbol

func (l *symbolList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var list []jsonSymbol
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		out := make(symbolList, 0, len(list))
		for _, s := range list {
			out = append(out, s.symbol(""))
		}
		*l = out
		return nil
	}
	var byName map[string]jsonSymbol
	if err := json.Unmarshal(b, &byName); err != nil {
		return err
	}
	out := make(symbolList, 0, len(byName))
	for name, s := range byName {
		out = append(out, s.symbol(name))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	*l = out
	return nil
}

type jsonMetadata struct {
	QID     flexString  `json:"qid"`
	Score   flexString  `json:"score"`
	Action  flexString  `json:"action"`
	Fuzzy   flexStrings `json:"fuzzy"`
	IP      flexString  `json:"ip"`
	From    flexString  `json:"from"`
	Subject flexString  `json:"subject"`
	User    flexString  `json:"user"`
	Size    flexString  `json:"size"`
	Rcpt    flexStrings `json:"rcpt"`
	Symbols symbolList  `json:"symbols"`
}

// ParseMetadata decodes the JSON metadata part of a multipart submission.
func ParseMetadata(buf []byte) (Metadata, error) {
	var md Metadata
	if len(bytes.TrimSpace(buf)) == 0 {
		return md, fmt.Errorf("empty metadata")
	}
	var j jsonMetadata
	if err := json.Unmarshal(buf, &j); err != nil {
		return md, fmt.Errorf("decode metadata: %w", err)
	}
	md = Metadata{
		QueueID: strings.TrimSpace(string(j.QID)),
		Score:   strings.TrimSpace(string(j.Score)),
		Action:  strings.TrimSpace(string(j.Action)),
		From:    strings.TrimSpace(string(j.From)),
		Subject: string(j.Subject),
		IP:      strings.TrimSpace(string(j.IP)),
		User:    strings.TrimSpace(string(j.User)),
		Rcpt:    []string(j.Rcpt),
		Symbols: []model.Symbol(j.Symbols),
		Fuzzy:   []string(j.Fuzzy),
	}
	if s := strings.TrimSpace(string(j.Size)); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
			md.Size = n
		}
	}
	return md, nil
}

// MetadataFromHeaders reads the X-Rspamd-* headers of a legacy submission.
func MetadataFromHeaders(h http.Header) (Metadata, error) {
	md := Metadata{
		QueueID: strings.TrimSpace(h.Get("X-Rspamd-Qid")),
		Score:   strings.TrimSpace(h.Get("X-Rspamd-Score")),
		Action:  strings.TrimSpace(h.Get("X-Rspamd-Action")),
		From:    strings.TrimSpace(h.Get("X-Rspamd-From")),
		Subject: h.Get("X-Rspamd-Subject"),
		IP:      strings.TrimSpace(h.Get("X-Rspamd-Ip")),
		User:    strings.TrimSpace(h.Get("X-Rspamd-User")),
	}

	if v := strings.TrimSpace(h.Get("X-Rspamd-Rcpt")); v != "" {
		var rcpt flexStrings
		if err := json.Unmarshal([]byte(v), &rcpt); err != nil {
			// older exporters send a plain comma separated list
			rcpt = splitList(v)
		}
		md.Rcpt = rcpt
	}
	if v := strings.TrimSpace(h.Get("X-Rspamd-Symbols")); v != "" {
		var symbols symbolList
		if err := json.Unmarshal([]byte(v), &symbols); err != nil {
			return md, fmt.Errorf("decode X-Rspamd-Symbols: %w", err)
		}
		md.Symbols = symbols
	}
	if v := strings.TrimSpace(h.Get("X-Rspamd-Fuzzy")); v != "" {
		var fuzzy flexStrings
		if err := json.Unmarshal([]byte(v), &fuzzy); err != nil {
			fuzzy = splitList(v)
		}
		md.Fuzzy = fuzzy
	}
	if v := strings.TrimSpace(h.Get("X-Rspamd-Size")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			md.Size = n
		}
	}
	return md, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
