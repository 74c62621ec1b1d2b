package mailope

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/masa23/quarantined/model"
)

var validQueueID = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Headers that carry the MTA queue id inside the message itself.
var queueIDHeaders = []string{"X-Rspamd-Queue-Id", "X-Queue-Id", "X-Postfix-Queue-Id"}

// parsedMessage is the part of the raw message the pipeline looks at.
type parsedMessage struct {
	rawHeader []byte
	header    textproto.Header
	parsed    bool
}

func parseMessage(raw []byte) *parsedMessage {
	pm := &parsedMessage{rawHeader: headerBlock(raw)}
	if len(raw) == 0 {
		return pm
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return pm
	}
	pm.header = h
	pm.parsed = true
	return pm
}

func (pm *parsedMessage) get(key string) string {
	if !pm.parsed {
		return ""
	}
	return strings.TrimSpace(pm.header.Get(key))
}

// queueID returns the first well formed queue id header, or "".
func (pm *parsedMessage) queueID() string {
	for _, k := range queueIDHeaders {
		if v := pm.get(k); validQueueID.MatchString(v) {
			return v
		}
	}
	return ""
}

// headerBlock returns raw up to the blank line ending the header.
func headerBlock(raw []byte) []byte {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return raw[:i]
		}
	}
	return raw
}

// resolveQueueID keeps a declared queue id and otherwise recovers it from
// the message.
func resolveQueueID(declared string, pm *parsedMessage) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, model.UnknownQueueID) {
		return declared
	}
	if qid := pm.queueID(); qid != "" {
		return qid
	}
	return model.UnknownQueueID
}
