package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/db"
)

// Store is the durable state store. All mutating methods run inside a single
// transaction; reads go through the read pool.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// Open opens the state store using the configured driver and initializes the
// schema. SQLite gets separate writer/reader pools (WAL); Postgres shares one
// pool for both.
func Open(cfg *config.Config, log *logger.Logger) (*Store, error) {
	var pool *db.Pool

	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, 0)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dbx := sqlx.NewDb(conn, "pgx")
		pool = db.NewPool(dbx, dbx)
	default:
		path := cfg.DBPath()
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		pool = db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	}

	s := &Store{
		pool:   pool,
		logger: log.WithComponent("store"),
	}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.logger.Info("state store opened",
		zap.String("driver", cfg.Database.Driver))
	return s, nil
}

// writer returns the write pool.
func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }

// reader returns the read pool.
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// withTx runs fn inside a single transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Shutdown flushes and closes the store. No writes are lost once this
// returns: the WAL is checkpointed into the main database file before close.
func (s *Store) Shutdown() error {
	if s.pool.Writer().DriverName() == "sqlite3" {
		_, _ = s.writer().Exec("PRAGMA optimize")
		_, _ = s.writer().Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.logger.Info("state store closed")
	return nil
}
