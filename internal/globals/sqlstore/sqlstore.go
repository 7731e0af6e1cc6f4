// Package sqlstore keeps globals in a PostgreSQL table keyed by the
// order-preserving node encoding. BYTEA compares bytewise, so range scans
// in key order reproduce global collation and one query can answer a
// whole index walk.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/pkg/postgres"
	"github.com/lakeraven/filebot/pkg/resilience"
)

const lockPollInterval = 25 * time.Millisecond

// Writes on one connection are not grouped into a transaction.
var capabilities = globals.Capabilities{Locking: true, Bulk: true}

// Store dials per-session connections out of a shared *sql.DB.
type Store struct {
	db      *sql.DB
	name    string
	table   string
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func New(client *postgres.Client, breaker *resilience.CircuitBreaker) *Store {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("postgres-globals", resilience.CircuitBreakerConfig{})
	}
	return &Store{
		db:      client.DB,
		name:    client.Table(),
		table:   pq.QuoteIdentifier(client.Table()),
		breaker: breaker,
		logger:  slog.Default().With("component", "sql-store", "table", client.Table()),
	}
}

// Migrate creates the globals table if it is missing and converts a TEXT
// value column left by older releases to BYTEA. Values are stored as raw
// bytes since index bitmaps are binary.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key BYTEA PRIMARY KEY, value BYTEA NOT NULL)`, s.table))
	if err != nil {
		return fmt.Errorf("creating globals table: %w", err)
	}
	var dataType string
	err = s.db.QueryRowContext(ctx,
		`SELECT data_type FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1 AND column_name = 'value'`,
		s.name).Scan(&dataType)
	if err != nil {
		return fmt.Errorf("inspecting globals table: %w", err)
	}
	if dataType == "bytea" {
		return nil
	}
	s.logger.Info("converting value column to bytea", "from", dataType)
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`ALTER TABLE %s ALTER COLUMN value TYPE BYTEA USING convert_to(value, 'UTF8')`, s.table))
	if err != nil {
		return fmt.Errorf("converting value column: %w", err)
	}
	return nil
}

// Dial pins one pooled connection for the lifetime of the returned Conn so
// advisory locks stay with their session.
func (s *Store) Dial(ctx context.Context) (globals.Conn, error) {
	var conn *sql.Conn
	err := s.breaker.Execute(func() error {
		var err error
		conn, err = s.db.Conn(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring sql connection: %w", err)
	}
	sess := &session{store: s, conn: conn}
	return &Conn{
		Ordered: globals.NewOrdered(sess, globals.WithCapabilities(capabilities)),
		sess:    sess,
	}, nil
}

// Conn adds native advisory locks to the ordered surface.
type Conn struct {
	*globals.Ordered
	sess *session
}

func (c *Conn) LockNode(ctx context.Context, global string, subs []string, timeout time.Duration) (bool, error) {
	ref := globals.Ref(global, subs...)
	deadline := time.Now().Add(timeout)
	for {
		var got bool
		err := c.sess.exec(func() error {
			return c.sess.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, ref).Scan(&got)
		})
		if err != nil {
			return false, fmt.Errorf("advisory lock %s: %w", ref, err)
		}
		if got {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (c *Conn) UnlockNode(ctx context.Context, global string, subs []string) error {
	ref := globals.Ref(global, subs...)
	return c.sess.exec(func() error {
		_, err := c.sess.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, ref)
		return err
	})
}

type session struct {
	store *Store
	conn  *sql.Conn
}

func (s *session) exec(fn func() error) error {
	return s.store.breaker.Execute(fn)
}

func (s *session) GetKey(ctx context.Context, key []byte) (string, bool, error) {
	var value []byte
	found := true
	err := s.exec(func() error {
		err := s.conn.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.store.table), key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("sql get: %w", err)
	}
	return string(value), found, nil
}

func (s *session) GetKeys(ctx context.Context, keys [][]byte) ([]globals.Value, error) {
	byKey := make(map[string]string, len(keys))
	err := s.exec(func() error {
		rows, err := s.conn.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key = ANY($1)`, s.store.table), pq.ByteaArray(keys))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k, v []byte
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			byKey[string(k)] = string(v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("sql get many: %w", err)
	}
	out := make([]globals.Value, len(keys))
	for i, k := range keys {
		v, ok := byKey[string(k)]
		out[i] = globals.Value{Value: v, OK: ok}
	}
	return out, nil
}

func (s *session) PutKey(ctx context.Context, key []byte, value string) error {
	err := s.exec(func() error {
		_, err := s.conn.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.store.table), key, []byte(value))
		return err
	})
	if err != nil {
		return fmt.Errorf("sql put: %w", err)
	}
	return nil
}

func (s *session) DeleteRange(ctx context.Context, lo, hi []byte) error {
	err := s.exec(func() error {
		_, err := s.conn.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key >= $1 AND key < $2`, s.store.table), lo, hi)
		return err
	})
	if err != nil {
		return fmt.Errorf("sql delete range: %w", err)
	}
	return nil
}

func (s *session) Ascend(ctx context.Context, lo, hi []byte, limit int, fn func([]byte, string) bool) error {
	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= $1 AND key < $2 ORDER BY key`, s.store.table)
	args := []any{lo, hi}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	err := s.exec(func() error {
		rows, err := s.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k, v []byte
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			if !fn(k, string(v)) {
				break
			}
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("sql range: %w", err)
	}
	return nil
}

func (s *session) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *session) Close() error {
	return s.conn.Close()
}
