package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// Service wraps the gorm handle this service runs against. DB_DRIVER selects
// between postgres (production) and sqlite (local/dev and CI, per the
// DATABASE_URL convention in the GLOSSARY).
type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the configured database driver and enables the extensions/pragmas
// each driver needs. DATABASE_URL is used verbatim for postgres; for sqlite it
// is a file path (":memory:" is fine for tests).
func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "db")

	driver := envutil.String("DB_DRIVER", "postgres")
	dsn := envutil.String("DATABASE_URL", "")

	gormLog := gormLogger.New(
		stdLogger(),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var (
		gdb *gorm.DB
		err error
	)

	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "capiforge.db"
		}
		gdb, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLog,
		})
	case "postgres", "":
		if dsn == "" {
			dsn = defaultPostgresDSN()
		}
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLog,
		})
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == "postgres" || driver == "" {
		if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
		}
	}

	return &Service{db: gdb, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func defaultPostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		envutil.String("POSTGRES_USER", "postgres"),
		envutil.String("POSTGRES_PASSWORD", ""),
		envutil.String("POSTGRES_HOST", "localhost"),
		envutil.String("POSTGRES_PORT", "5432"),
		envutil.String("POSTGRES_NAME", "capiforge"),
	)
}

func stdLogger() gormLogger.Writer {
	return log.New(os.Stdout, "\r\n", log.LstdFlags)
}
