package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const streamColumns = `id, channel_id, url, title, game, is_record, previews, viewers, channel_title,
	telegram_preview_file_id, is_offline, created_at, updated_at`

func scanStream(sc interface{ Scan(...any) error }) (Stream, error) {
	var (
		st                Stream
		isRecord, offline int
		previews          string
		viewers           sql.NullInt64
		created, updated  int64
	)
	if err := sc.Scan(&st.ID, &st.ChannelID, &st.URL, &st.Title, &st.Game, &isRecord, &previews, &viewers,
		&st.ChannelTitle, &st.TelegramPreviewFileID, &offline, &created, &updated); err != nil {
		return Stream{}, err
	}
	st.IsRecord = isRecord != 0
	st.IsOffline = offline != 0
	if previews != "" {
		_ = json.Unmarshal([]byte(previews), &st.Previews)
	}
	if viewers.Valid {
		v := int(viewers.Int64)
		st.Viewers = &v
	}
	st.CreatedAt = fromMillis(created)
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

func encodePreviews(p []string) string {
	if len(p) == 0 {
		return "[]"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func viewersArg(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func (s *sqlStore) LiveStreams(ctx context.Context, channelIDs []string) ([]Stream, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+streamColumns+` FROM streams WHERE is_offline = 0 AND channel_id IN (`+placeholders(len(channelIDs))+`)`,
		stringArgs(channelIDs)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetStream(ctx context.Context, id string) (Stream, error) {
	st, err := scanStream(s.queryRow(ctx, s.db, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, ErrNotFound
	}
	return st, err
}

func (s *sqlStore) InsertStream(ctx context.Context, st Stream) ([]int64, error) {
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = now
	}
	var chatIDs []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO streams(id, channel_id, url, title, game, is_record, previews, viewers, channel_title,
				telegram_preview_file_id, is_offline, offline_at, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,0,0,?,?)
			 ON CONFLICT(id) DO UPDATE SET
				url=excluded.url, title=excluded.title, game=excluded.game, is_record=excluded.is_record,
				previews=excluded.previews, viewers=excluded.viewers, channel_title=excluded.channel_title,
				is_offline=0, offline_at=0, updated_at=excluded.updated_at`,
			st.ID, st.ChannelID, st.URL, st.Title, st.Game, boolInt(st.IsRecord), encodePreviews(st.Previews),
			viewersArg(st.Viewers), st.ChannelTitle, st.TelegramPreviewFileID, toMillis(st.CreatedAt), toMillis(st.UpdatedAt),
		)
		if err != nil {
			return err
		}

		rows, err := s.query(ctx, tx,
			`SELECT DISTINCT target FROM (
				SELECT c.id AS target FROM subscriptions sub JOIN chats c ON c.id = sub.chat_id WHERE sub.channel_id = ?
				UNION
				SELECT cc.id AS target FROM subscriptions sub
					JOIN chats c ON c.id = sub.chat_id
					JOIN chats cc ON cc.id = c.channel_id
				WHERE sub.channel_id = ? AND c.channel_id <> 0
			) t
			WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = t.target AND m.stream_id = ?)
			ORDER BY target`,
			st.ChannelID, st.ChannelID, st.ID,
		)
		if err != nil {
			return err
		}
		ids, err := scanInt64s(rows)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.exec(ctx, tx,
				`INSERT INTO chat_streams(chat_id, stream_id, created_at) VALUES(?,?,?) ON CONFLICT(chat_id, stream_id) DO NOTHING`,
				id, st.ID, now.UnixMilli(),
			); err != nil {
				return err
			}
		}
		chatIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chatIDs, nil
}

func (s *sqlStore) UpdateStream(ctx context.Context, st Stream, changed bool) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE streams SET url = ?, title = ?, game = ?, is_record = ?, previews = ?, viewers = ?,
				channel_title = ?, updated_at = ?
			 WHERE id = ?`,
			st.URL, st.Title, st.Game, boolInt(st.IsRecord), encodePreviews(st.Previews), viewersArg(st.Viewers),
			st.ChannelTitle, toMillis(st.UpdatedAt), st.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if !changed {
			return nil
		}
		_, err = s.exec(ctx, tx, `UPDATE messages SET has_changes = 1 WHERE stream_id = ?`, st.ID)
		return err
	})
}

func (s *sqlStore) EndStreams(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := stringArgs(ids)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		endArgs := append([]any{at.UnixMilli()}, args...)
		if _, err := s.exec(ctx, tx, `UPDATE streams SET is_offline = 1, offline_at = ? WHERE id IN (`+in+`)`, endArgs...); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `DELETE FROM chat_streams WHERE stream_id IN (`+in+`)`, args...)
		return err
	})
}

func (s *sqlStore) SetStreamPreviewFileID(ctx context.Context, streamID, fileID string) error {
	_, err := s.exec(ctx, s.db, `UPDATE streams SET telegram_preview_file_id = ? WHERE id = ?`, fileID, streamID)
	return err
}

func (s *sqlStore) CleanupStreams(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM streams
		 WHERE is_offline = 1 AND offline_at < ?
		   AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.stream_id = streams.id)
		   AND NOT EXISTS (SELECT 1 FROM chat_streams cs WHERE cs.stream_id = streams.id)`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
