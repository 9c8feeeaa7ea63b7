package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

func (s *sqlStore) GetBackoff(ctx context.Context, chatID int64) (BackoffRecord, bool, error) {
	var (
		stack   string
		timeout int64
	)
	err := s.queryRow(ctx, s.db, `SELECT stack, timeout FROM chat_backoff WHERE chat_id = ?`, chatID).Scan(&stack, &timeout)
	if errors.Is(err, sql.ErrNoRows) {
		return BackoffRecord{}, false, nil
	}
	if err != nil {
		return BackoffRecord{}, false, err
	}
	rec := BackoffRecord{Timeout: timeout}
	_ = json.Unmarshal([]byte(stack), &rec.Stack)
	return rec, true, nil
}

func (s *sqlStore) PutBackoff(ctx context.Context, chatID int64, rec BackoffRecord) error {
	stack, err := json.Marshal(stackOrEmpty(rec.Stack))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO chat_backoff(chat_id, stack, timeout) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET stack=excluded.stack, timeout=excluded.timeout`,
		chatID, string(stack), rec.Timeout,
	)
	return err
}

func (s *sqlStore) DeleteBackoff(ctx context.Context, chatID int64) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM chat_backoff WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqlStore) PruneBackoff(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM chat_backoff WHERE timeout <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func stackOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
