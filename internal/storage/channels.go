package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

const channelColumns = `id, service, title, url, last_sync_at, sync_timeout_expires_at`

func scanChannel(sc interface{ Scan(...any) error }) (Channel, error) {
	var (
		ch              Channel
		lastSync, until int64
	)
	if err := sc.Scan(&ch.ID, &ch.Service, &ch.Title, &ch.URL, &lastSync, &until); err != nil {
		return Channel{}, err
	}
	ch.LastSyncAt = fromMillis(lastSync)
	ch.SyncTimeoutExpiresAt = fromMillis(until)
	return ch, nil
}

func (s *sqlStore) PutChannel(ctx context.Context, ch Channel) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO channels(id, service, title, url, last_sync_at, sync_timeout_expires_at, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, url=excluded.url`,
		ch.ID, ch.Service, ch.Title, ch.URL, toMillis(ch.LastSyncAt), toMillis(ch.SyncTimeoutExpiresAt), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	ch, err := scanChannel(s.queryRow(ctx, s.db, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	return ch, err
}

func (s *sqlStore) ChannelsForSync(ctx context.Context, service string, limit int, now, syncedBefore time.Time) ([]Channel, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+channelColumns+` FROM channels
		 WHERE service = ? AND sync_timeout_expires_at < ? AND last_sync_at < ?
		 ORDER BY sync_timeout_expires_at ASC, id ASC
		 LIMIT ?`,
		service, now.UnixMilli(), syncedBefore.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetChannelsSyncTimeout(ctx context.Context, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{until.UnixMilli()}, stringArgs(ids)...)
	_, err := s.exec(ctx, s.db, `UPDATE channels SET sync_timeout_expires_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *sqlStore) SetChannelsSynced(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{at.UnixMilli()}, stringArgs(ids)...)
	_, err := s.exec(ctx, s.db, `UPDATE channels SET last_sync_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *sqlStore) SetChannelTitle(ctx context.Context, id, title string) error {
	_, err := s.exec(ctx, s.db, `UPDATE channels SET title = ? WHERE id = ?`, title, id)
	return err
}

func (s *sqlStore) ChannelIDs(ctx context.Context, service, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db,
		`SELECT id FROM channels WHERE service = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		service, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *sqlStore) DeleteChannels(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)
	now := time.Now().UnixMilli()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM subscriptions WHERE channel_id IN (`+in+`)`, args...); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`DELETE FROM chat_streams WHERE stream_id IN (SELECT id FROM streams WHERE channel_id IN (`+in+`))`, args...); err != nil {
			return err
		}
		endArgs := append([]any{now}, args...)
		if _, err := s.exec(ctx, tx,
			`UPDATE streams SET is_offline = 1, offline_at = ? WHERE is_offline = 0 AND channel_id IN (`+in+`)`, endArgs...); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `DELETE FROM channels WHERE id IN (`+in+`)`, args...)
		return err
	})
}
