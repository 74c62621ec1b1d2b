package store

import (
	"context"
	"strings"
	"time"

	"github.com/masa23/quarantined/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveMessage inserts msg and one recipient row per address in a single
// transaction and returns the new message id.
func (s *Store) SaveMessage(ctx context.Context, msg *model.Message, recipients []string) (uint64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
			return wrap("insert message", err)
		}
		rows := recipientRows(msg.ID, recipients)
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return wrap("insert recipients", err)
		}
		return nil
	})
	if err != nil {
		if !IsDatabaseError(err) {
			err = wrap("commit message", err)
		}
		// the rolled back INSERT already assigned an id
		msg.ID = 0
		return 0, err
	}
	return msg.ID, nil
}

// NormalizeRecipients lower cases and trims addresses and drops duplicates
// and the "unknown" sentinel.
func NormalizeRecipients(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || a == model.UnknownRecipient || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func recipientRows(msgID uint64, addrs []string) []model.Recipient {
	addrs = NormalizeRecipients(addrs)
	rows := make([]model.Recipient, 0, len(addrs))
	for _, a := range addrs {
		rows = append(rows, model.Recipient{MsgID: msgID, Email: a})
	}
	return rows
}

// Message loads one message with its recipients.
func (s *Store) Message(ctx context.Context, id uint64) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).Preload("Recipients").First(&msg, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load message", err)
	}
	return &msg, nil
}

// MessagesFor returns the newest messages addressed to any of emails.
func (s *Store) MessagesFor(ctx context.Context, emails []string, limit int) ([]model.Message, error) {
	emails = NormalizeRecipients(emails)
	if len(emails) == 0 {
		return nil, nil
	}
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&model.Recipient{}).Select("msg_id").Where("email IN ?", emails)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, wrap("messages for recipients", err)
	}
	return msgs, nil
}

// SweepFilter selects stored messages older than Before.
type SweepFilter struct {
	Before time.Time
	// Server restricts the selection to one ingesting host when not empty.
	Server string
}

func (f SweepFilter) apply(db *gorm.DB) *gorm.DB {
	db = db.Where("mail_stored = ? AND created_at < ?", true, f.Before)
	if f.Server != "" {
		db = db.Where("server = ?", f.Server)
	}
	return db
}

// SweepCandidates returns up to limit stored messages with a location and an
// id above afterID, in id order.
func (s *Store) SweepCandidates(ctx context.Context, f SweepFilter, afterID uint64, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := f.apply(s.db.WithContext(ctx).Model(&model.Message{})).
		Select("id", "queue_id", "server", "created_at", "mail_location").
		Where("mail_location IS NOT NULL AND id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, wrap("select sweep candidates", err)
	}
	return msgs, nil
}

// CountStoredWithoutLocation counts messages the sweeper cannot act on.
func (s *Store) CountStoredWithoutLocation(ctx context.Context, f SweepFilter) (int64, error) {
	var n int64
	err := f.apply(s.db.WithContext(ctx).Model(&model.Message{})).
		Where("mail_location IS NULL").
		Count(&n).Error
	return n, wrap("count stored without location", err)
}

// ClearStored resets mail_stored for ids in one statement.
func (s *Store) ClearStored(ctx context.Context, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id IN ?", ids).
		Update("mail_stored", false)
	return res.RowsAffected, wrap("clear stored flag", res.Error)
}

// BackfillRecipients creates recipient rows for messages that have none,
// derived from rcpt_to. It returns the number of messages updated.
func (s *Store) BackfillRecipients(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	db := s.db.WithContext(ctx)
	var lastID uint64
	updated := 0
	for {
		var msgs []model.Message
		err := db.Model(&model.Message{}).
			Select("id", "rcpt_to").
			Where("id > ?", lastID).
			Where("NOT EXISTS (?)", db.Model(&model.Recipient{}).Select("1").Where("message_recipients.msg_id = messages.id")).
			Order("id").
			Limit(batch).
			Find(&msgs).Error
		if err != nil {
			return updated, wrap("select messages without recipients", err)
		}
		if len(msgs) == 0 {
			return updated, nil
		}

		var rows []model.Recipient
		for _, m := range msgs {
			lastID = m.ID
			r := recipientRows(m.ID, strings.Split(m.RcptTo, ","))
			if len(r) > 0 {
				rows = append(rows, r...)
				updated++
			}
		}
		if len(rows) > 0 {
			if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return updated, wrap("insert recipients", err)
			}
		}
	}
}
