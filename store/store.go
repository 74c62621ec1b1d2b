// Package store persists message metadata, list entries and map activity
// through gorm.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/model"
	"github.com/mattn/go-sqlite3"
	gmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrDuplicate = errors.New("entry already exists")
	ErrNotFound  = errors.New("entry not found")
)

// Error marks a failure of the database layer.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsDatabaseError reports whether err came out of the database layer.
func IsDatabaseError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// DriverCode returns the driver specific error code carried by err, or "".
func DriverCode(err error) string {
	var my *mysql.MySQLError
	if errors.As(err, &my) {
		return strconv.Itoa(int(my.Number))
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return pg.Code
	}
	var lite sqlite3.Error
	if errors.As(err, &lite) {
		return strconv.Itoa(int(lite.ExtendedCode))
	}
	return ""
}

// Owner scopes list access. Admins see every entry.
type Owner struct {
	UserID uint64
	Admin  bool
}

type Store struct {
	db *gorm.DB
	// Now is the clock used for activity stamps.
	Now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

// Open connects to the configured database and migrates the schema.
func Open(conf config.Database) (*Store, error) {
	var dialector gorm.Dialector
	switch conf.Driver {
	case "mysql":
		dialector = gmysql.Open(conf.DSN)
	case "postgres":
		dialector = postgres.Open(conf.DSN)
	case "sqlite":
		dialector = sqlite.Open(conf.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", conf.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, wrap("connect", err)
	}
	if err := model.Migrate(db); err != nil {
		return nil, wrap("migrate", err)
	}
	return New(db), nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) now() time.Time {
	return s.Now().UTC().Truncate(time.Second)
}
