package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeMySQL  = "mysql"
	TypeSQLite = "sqlite"

	DefaultSQLiteDSN = "task_runner.db"
	DefaultMySQLDSN  = "root:@tcp(127.0.0.1:3306)/task_runner?charset=utf8mb4&parseTime=True&loc=UTC"
)

// Config selects the database backend.
// Type is "mysql" or "sqlite" (anything else falls back to sqlite for dev).
type Config struct {
	Type     string
	DSN      string
	LogLevel logger.LogLevel
}

// NewGormDB initializes and returns a GORM DB instance.
// All timestamps are written in UTC so heartbeat comparisons behave the same on every backend.
func NewGormDB(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	dsn := cfg.DSN
	isSQLite := cfg.Type != TypeMySQL

	if !isSQLite {
		if dsn == "" {
			dsn = DefaultMySQLDSN
			log.Println("Using default MySQL DSN: ", dsn)
		}
		dialector = mysql.Open(dsn)
	} else {
		if dsn == "" {
			dsn = DefaultSQLiteDSN
			log.Println("Using default SQLite DSN: ", dsn)
		}
		dialector = sqlite.Open(SQLiteDSN(dsn))
	}

	level := cfg.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if isSQLite {
		// One connection per process; concurrent runner processes coordinate through the file lock.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// SQLiteDSN appends the connection options the runner relies on: WAL journaling, immediate
// write transactions, a busy timeout and enforced foreign keys. Options already present win.
func SQLiteDSN(dsn string) string {
	opts := []string{"_journal_mode=WAL", "_txlock=immediate", "_busy_timeout=5000", "_foreign_keys=on"}
	var missing []string
	for _, opt := range opts {
		key := opt[:strings.Index(opt, "=")+1]
		if !strings.Contains(dsn, key) {
			missing = append(missing, opt)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}

// AutoMigrate performs auto-migration for the given GORM models.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	err := db.AutoMigrate(models...)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
