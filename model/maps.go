package model

import (
	"time"
)

// CombinedEntry is a list row with typed match columns. Column names double
// as map field names.
type CombinedEntry struct {
	Model
	MapName  string `gorm:"type:varchar(64);not null;index" json:"map_name"`
	SmtpFrom string `gorm:"type:varchar(255);not null;default:''" json:"smtp_from"`
	RcptTo   string `gorm:"type:varchar(255);not null;default:''" json:"rcpt_to"`
	IP       string `gorm:"type:varchar(45);not null;default:''" json:"ip"`
	UserID   uint64 `gorm:"not null;index" json:"user_id"`
}

func (CombinedEntry) TableName() string {
	return "map_combined"
}

// Field returns the value of a combined map field.
func (e *CombinedEntry) Field(name string) string {
	switch name {
	case "smtp_from":
		return e.SmtpFrom
	case "rcpt_to":
		return e.RcptTo
	case "ip":
		return e.IP
	}
	return ""
}

// SetField assigns a combined map field; unknown names are ignored.
func (e *CombinedEntry) SetField(name, value string) {
	switch name {
	case "smtp_from":
		e.SmtpFrom = value
	case "rcpt_to":
		e.RcptTo = value
	case "ip":
		e.IP = value
	}
}

// GenericEntry is a "pattern [score]" list row.
type GenericEntry struct {
	Model
	MapName string   `gorm:"type:varchar(64);not null;index" json:"map_name"`
	Pattern string   `gorm:"type:varchar(255);not null" json:"pattern"`
	Score   *float64 `json:"score"`
	UserID  uint64   `gorm:"not null;index" json:"user_id"`
}

func (GenericEntry) TableName() string {
	return "map_generic"
}

// MapActivity records when a map's entries last changed.
type MapActivity struct {
	MapName       string    `gorm:"type:varchar(64);primaryKey" json:"map_name"`
	LastChangedAt time.Time `gorm:"not null" json:"last_changed_at"`
}

func (MapActivity) TableName() string {
	return "map_activity_logs"
}
