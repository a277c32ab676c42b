package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wasched/pkg/logx"
)

//go:embed migrations.sql
var schema string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// sqliteDSN carries the pragmas in the DSN so every pooled connection gets
// them, not only the first.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// WAL lets readers run beside the single writer.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	log.Info("journal opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deliveries (at_ms, task_id, kind, recipient, subgroup_id, ok, status, message_id, err, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.TaskID, e.Kind, e.Recipient, optional(e.SubgroupID),
		e.OK, e.Status, optional(e.MessageID), optional(e.Error), optional(e.SentAt),
	)
	return err
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, q Query) ([]DeliveryEntry, error) {
	var (
		sb   strings.Builder
		args []any
		and  = " WHERE "
	)
	sb.WriteString(`SELECT at_ms, task_id, kind, recipient, subgroup_id, ok, status, message_id, err, sent_at FROM deliveries`)
	cond := func(clause string, v ...any) {
		sb.WriteString(and)
		sb.WriteString(clause)
		args = append(args, v...)
		and = " AND "
	}
	if q.TaskID != "" {
		cond("task_id = ?", q.TaskID)
	}
	if q.SubgroupID != "" {
		cond("subgroup_id = ?", q.SubgroupID)
	}
	if q.FailedOnly {
		cond("ok = 0")
	}
	sb.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []DeliveryEntry{}
	for rows.Next() {
		var (
			e                          DeliveryEntry
			atMS                       int64
			sg, msgID, errText, sentAt sql.NullString
		)
		if err := rows.Scan(&atMS, &e.TaskID, &e.Kind, &e.Recipient, &sg, &e.OK, &e.Status, &msgID, &errText, &sentAt); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMS)
		e.SubgroupID, e.MessageID, e.Error, e.SentAt = sg.String, msgID.String, errText.String, sentAt.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until_ms < ?`, time.Now().UnixMilli()); err != nil {
		return 0, err
	}
	if before.IsZero() {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dedup (key, until_ms) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET until_ms = excluded.until_ms`, key, until.UnixMilli())
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ms FROM dedup WHERE key = ?`, strings.TrimSpace(key)).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// optional stores blank strings as NULL.
func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
