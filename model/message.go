package model

import (
	"time"
)

const (
	UnknownQueueID   = "unknown"
	UnknownRecipient = "unknown"
	SentinelSender   = "MAILER-DAEMON@localhost"
)

// Symbol is one rule hit reported by the scanner.
type Symbol struct {
	Name    string   `json:"name"`
	Score   float64  `json:"score"`
	Options []string `json:"options,omitempty"`
	Group   string   `json:"group,omitempty"`
}

// Message is the metadata of one scanned message. Rows are never deleted;
// the sweeper only clears MailStored once the backing files are gone.
type Message struct {
	Model
	QueueID      string     `gorm:"type:varchar(64);not null;index" json:"queue_id"`
	Server       string     `gorm:"type:varchar(255);not null;index" json:"server"`
	Score        float64    `gorm:"not null" json:"score"`
	Action       string     `gorm:"type:varchar(32);not null;index" json:"action"`
	Symbols      []Symbol   `gorm:"type:json;serializer:json;not null" json:"symbols"`
	HasVirus     bool       `gorm:"not null" json:"has_virus"`
	VirusEngine  string     `gorm:"type:varchar(64);not null;default:''" json:"virus_engine"`
	VirusName    string     `gorm:"type:varchar(255);not null;default:''" json:"virus_name"`
	FuzzyHashes  []string   `gorm:"type:json;serializer:json;not null" json:"fuzzy_hashes"`
	MailFrom     string     `gorm:"type:varchar(255);not null;index" json:"mail_from"`
	RcptTo       string     `gorm:"type:text;not null" json:"rcpt_to"`
	MimeFrom     string     `gorm:"type:varchar(255);not null" json:"mime_from"`
	MimeTo       string     `gorm:"type:text;not null" json:"mime_to"`
	Subject      string     `gorm:"type:text;not null" json:"subject"`
	MessageID    string     `gorm:"type:varchar(255);not null" json:"message_id"`
	Headers      string     `gorm:"type:text;not null" json:"headers"`
	Size         int64      `gorm:"not null" json:"size"`
	IP           string     `gorm:"type:varchar(45);not null" json:"ip"`
	MailStored   bool       `gorm:"not null;index" json:"mail_stored"`
	MailLocation *string    `gorm:"type:varchar(1024)" json:"mail_location"`
	Notified     bool       `gorm:"not null" json:"notified"`
	NotifyDate   *time.Time `json:"notify_date"`
	Released     bool       `gorm:"not null" json:"released"`
	ReleaseDate  *time.Time `json:"release_date"`

	Recipients []Recipient `gorm:"foreignKey:MsgID;constraint:OnDelete:CASCADE" json:"recipients,omitempty"`
}

// Recipient is one envelope recipient of a Message, used to scope access.
type Recipient struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement:true" json:"id"`
	MsgID uint64 `gorm:"not null;uniqueIndex:idx_recipient_msg_email" json:"msg_id"`
	Email string `gorm:"type:varchar(255);not null;uniqueIndex:idx_recipient_msg_email;index" json:"email"`
}

func (Recipient) TableName() string {
	return "message_recipients"
}
