// Package mailope turns scanner submissions into stored message metadata.
package mailope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/logger"
	"github.com/masa23/quarantined/mailparser"
	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/store"
)

// Store persists a message and its recipients atomically.
type Store interface {
	SaveMessage(ctx context.Context, msg *model.Message, recipients []string) (uint64, error)
}

// Quarantine writes raw messages to disk.
type Quarantine interface {
	Save(queueID string, raw []byte) (string, error)
}

// Result describes a persisted submission.
type Result struct {
	ID       uint64
	QueueID  string
	Stored   bool
	Location string
	Encoding string
	Warnings []string
}

type Pipeline struct {
	store      Store
	quarantine Quarantine
	server     string
	policy     config.Quarantine
	debug      *DebugSink
	log        *slog.Logger
	metrics    *metrics.Metrics

	// Encodings is the detection order for raw header blocks.
	Encodings []string
}

func NewPipeline(conf *config.Config, st Store, q Quarantine, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		store:      st,
		quarantine: q,
		server:     conf.Server,
		policy:     conf.Quarantine,
		log:        log,
		metrics:    m,
		Encodings:  mailparser.DefaultEncodings,
	}
	if conf.Debug.Enabled && conf.Debug.Dir != "" {
		p.debug = NewDebugSink(conf.Debug.Dir)
	}
	return p
}

// IngestHeaders handles the legacy transport: verdict in X-Rspamd-* headers,
// raw message as the body.
func (p *Pipeline) IngestHeaders(ctx context.Context, h http.Header, body []byte, env Env) (*Result, error) {
	md, err := MetadataFromHeaders(h)
	if err != nil {
		return nil, p.reject(ctx, MsgInvalid, err, env)
	}
	return p.Ingest(ctx, &Request{Transport: TransportHeaders, Metadata: md, Message: body, Env: env})
}

// IngestMultipart handles the multipart transport: JSON metadata plus the
// message as a file part.
func (p *Pipeline) IngestMultipart(ctx context.Context, metadata, message []byte, env Env) (*Result, error) {
	md, err := ParseMetadata(metadata)
	if err != nil {
		return nil, p.reject(ctx, MsgInvalid, err, env)
	}
	if message == nil {
		return nil, p.reject(ctx, MsgInvalid, errors.New("message part missing"), env)
	}
	return p.Ingest(ctx, &Request{Transport: TransportMultipart, Metadata: md, Message: message, Env: env})
}

// Reject logs a malformed submission found before the pipeline ran and
// returns the error to answer it with.
func (p *Pipeline) Reject(ctx context.Context, err error, env Env) error {
	return p.reject(ctx, MsgInvalid, err, env)
}

func (p *Pipeline) reject(ctx context.Context, msg string, err error, env Env) error {
	logger.Critical(ctx, p.log, "rejected scan result", "reason", msg, "error", err, "remote_ip", env.RemoteIP)
	p.metrics.Ingested.WithLabelValues("invalid").Inc()
	return validationError(msg, err)
}

// Ingest runs one submission through classification, quarantine,
// normalization and persistence.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (res *Result, err error) {
	start := time.Now()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	req.Received = receivedAt(req.Received)
	md := req.Metadata
	qid := md.QueueID

	defer func() {
		if r := recover(); r != nil {
			logger.Critical(ctx, p.log, "unexpected error", "qid", qid, "panic", fmt.Sprint(r))
			p.metrics.Ingested.WithLabelValues("error").Inc()
			res, err = nil, unexpectedError(fmt.Errorf("panic: %v", r))
		}
		p.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	if p.debug != nil {
		if prefix, derr := p.debug.Dump(req); derr != nil {
			p.log.Warn("debug dump failed", "error", derr)
		} else {
			p.log.Debug("debug dump written", "prefix", prefix)
		}
	}

	pm := parseMessage(req.Message)
	if len(req.Message) > 0 && !pm.parsed {
		p.log.Warn("message header could not be parsed", "qid", md.QueueID)
	}
	qid = resolveQueueID(md.QueueID, pm)

	if blank(qid) && md.Score == "" && blank(md.Action) {
		return nil, p.reject(ctx, MsgMissing, errors.New("queue id, score and action are all empty"), req.Env)
	}
	log := p.log.With("qid", qid)
	res = &Result{QueueID: qid}

	score := 0.0
	if md.Score != "" {
		v, perr := strconv.ParseFloat(md.Score, 64)
		if perr != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			log.Warn("invalid score, using 0", "score", md.Score)
		} else {
			score = v
		}
	}
	action := strings.ToLower(md.Action)
	if action == "" {
		action = "unknown"
	}

	virus := classify(md.Symbols)
	msg := &model.Message{
		QueueID:     qid,
		Server:      p.server,
		Score:       score,
		Action:      action,
		Symbols:     md.Symbols,
		HasVirus:    virus != nil,
		FuzzyHashes: cleanList(md.Fuzzy),
		IP:          md.IP,
		Size:        md.Size,
	}
	if msg.Symbols == nil {
		msg.Symbols = []model.Symbol{}
	}
	if virus != nil {
		msg.VirusEngine = mailparser.CleanUTF8(virus.Engine)
		msg.VirusName = mailparser.CleanUTF8(virus.Name)
		log.Info("virus detected", "engine", msg.VirusEngine, "virus", msg.VirusName)
	}
	if msg.Size <= 0 {
		msg.Size = int64(len(req.Message))
	}

	if p.policy.ShouldStore(action) || virus != nil {
		p.quarantineMessage(ctx, log, qid, req.Message, msg, res)
	}

	msg.MailFrom = strings.ToLower(mailparser.Address(md.From))
	if msg.MailFrom == "" {
		msg.MailFrom = mailparser.Address(pm.get("From"))
	}
	if msg.MailFrom == "" {
		log.Warn("no envelope sender, using sentinel", "sender", model.SentinelSender)
		msg.MailFrom = model.SentinelSender
	}

	recipients := store.NormalizeRecipients(md.Rcpt)
	if len(recipients) == 0 {
		recipients = mailparser.Addresses(pm.get("To"))
	}
	recipients = limitRecipients(log, recipients)
	if len(recipients) == 0 {
		msg.RcptTo = model.UnknownRecipient
	} else {
		msg.RcptTo = strings.Join(recipients, ",")
	}

	msg.MimeFrom = mailparser.DecodeHeaderOr(pm.get("From"))
	msg.MimeTo = mailparser.DecodeHeaderOr(pm.get("To"))
	msg.MessageID = mailparser.CleanUTF8(strings.Trim(pm.get("Message-Id"), "<>"))
	if md.Subject != "" {
		msg.Subject = mailparser.DecodeHeaderOr(md.Subject)
	} else {
		msg.Subject = mailparser.DecodeHeaderOr(pm.get("Subject"))
	}

	headers, enc := mailparser.ToUTF8(pm.rawHeader, p.Encodings)
	msg.Headers = headers
	res.Encoding = enc
	if enc == mailparser.UnknownEncoding {
		log.Warn("header encoding not detected, invalid bytes dropped")
	}

	fields := messageFields(msg)
	for k, v := range fields {
		fields[k] = mailparser.CleanUTF8(v)
	}
	fields, warnings := Normalize(fields, FieldLimits)
	applyFields(msg, fields)
	for _, w := range warnings {
		log.Warn(w)
	}
	res.Warnings = warnings

	id, err := p.store.SaveMessage(ctx, msg, recipients)
	if err != nil {
		p.metrics.Ingested.WithLabelValues("error").Inc()
		if store.IsDatabaseError(err) {
			logger.Critical(ctx, log, "database error", "error", err, "driver_code", store.DriverCode(err))
			return nil, databaseError(err)
		}
		logger.Critical(ctx, log, "unexpected error", "error", err)
		return nil, unexpectedError(err)
	}
	res.ID = id

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	log.Info("message saved",
		"score", fmt.Sprintf("%.2f", score),
		"action", action,
		"id", id,
		"stored", res.Stored,
		"runtime", time.Since(start).String(),
		"memory_delta", int64(memAfter.HeapAlloc)-int64(memBefore.HeapAlloc),
	)
	p.metrics.Ingested.WithLabelValues("saved").Inc()
	return res, nil
}

// quarantineMessage writes raw to the quarantine. A failure is logged and leaves the message
// unstored; it never fails the submission.
func (p *Pipeline) quarantineMessage(ctx context.Context, log *slog.Logger, qid string, raw []byte, msg *model.Message, res *Result) {
	if p.quarantine == nil {
		log.Error("quarantine requested but no quarantine store configured")
		p.metrics.QuarantineFailed.Inc()
		return
	}
	loc, err := p.quarantine.Save(qid, raw)
	if err != nil {
		log.ErrorContext(ctx, "cannot store message in quarantine", "error", err)
		p.metrics.QuarantineFailed.Inc()
		return
	}
	msg.MailStored = true
	msg.MailLocation = &loc
	res.Stored = true
	res.Location = loc
}

func messageFields(m *model.Message) map[string]string {
	return map[string]string{
		"queue_id":     m.QueueID,
		"server":       m.Server,
		"action":       m.Action,
		"mail_from":    m.MailFrom,
		"rcpt_to":      m.RcptTo,
		"mime_from":    m.MimeFrom,
		"mime_to":      m.MimeTo,
		"subject":      m.Subject,
		"message_id":   m.MessageID,
		"ip":           m.IP,
		"headers":      m.Headers,
		"virus_engine": m.VirusEngine,
		"virus_name":   m.VirusName,
	}
}

func applyFields(m *model.Message, f map[string]string) {
	m.QueueID = f["queue_id"]
	m.Server = f["server"]
	m.Action = f["action"]
	m.MailFrom = f["mail_from"]
	m.RcptTo = f["rcpt_to"]
	m.MimeFrom = f["mime_from"]
	m.MimeTo = f["mime_to"]
	m.Subject = f["subject"]
	m.MessageID = f["message_id"]
	m.IP = f["ip"]
	m.Headers = f["headers"]
	m.VirusEngine = f["virus_engine"]
	m.VirusName = f["virus_name"]
}

// limitRecipients cuts every address to the recipient column and drops the
// duplicates that cutting can produce.
func limitRecipients(log *slog.Logger, addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		cut, truncated := Truncate(mailparser.CleanUTF8(a), RecipientLimit)
		if truncated {
			log.Warn(fmt.Sprintf("recipient truncated to %d characters", RecipientLimit))
		}
		out = append(out, cut)
	}
	return store.NormalizeRecipients(out)
}

// blank reports whether a declared value carries no information.
func blank(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, model.UnknownQueueID)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = mailparser.CleanUTF8(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
