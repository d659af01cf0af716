package repository

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	sqliteMemory  = ":memory:"
	sqliteDefault = "./kestrel.db"
	pingTimeout   = 5 * time.Second
)

// sqlitePragmas apply to file databases only.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite uses the pure Go modernc.org/sqlite driver. ":memory:" gets a
// single connection because each connection would see its own empty
// database.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = sqliteDefault
	}
	if path != sqliteMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == sqliteMemory {
		db.SetMaxOpenConns(1)
	}
	return db, pingOrClose(db, "sqlite")
}

func sqliteDSN(path string) string {
	if path == sqliteMemory {
		return "file::memory:?_pragma=foreign_keys(ON)"
	}
	q := url.Values{"_pragma": sqlitePragmas}
	return "file:" + path + "?" + q.Encode()
}

// openPostgres connects through lib/pq.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, pingOrClose(db, "postgres")
}

func postgresDSN(cfg domain.RepositoryConfig) string {
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=kestrel connect_timeout=5",
		cmp.Or(cfg.PostgresHost, "localhost"), port, cfg.PostgresUser, cfg.PostgresPassword,
		cmp.Or(cfg.PostgresDB, "kestrel"), cmp.Or(cfg.PostgresSSLMode, "disable"),
	)
}

func pingOrClose(db *sql.DB, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", name, err)
	}
	return nil
}
