package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *sqlStore) PutChat(ctx context.Context, c Chat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO chats(id, channel_id, hide_preview, mute, auto_clean, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET channel_id=excluded.channel_id, hide_preview=excluded.hide_preview,
			mute=excluded.mute, auto_clean=excluded.auto_clean`,
		c.ID, c.ChannelID, boolInt(c.HidePreview), boolInt(c.Mute), boolInt(c.IsEnabledAutoClean), toMillis(c.CreatedAt),
	)
	return err
}

func (s *sqlStore) GetChat(ctx context.Context, id int64) (Chat, error) {
	var (
		c                 Chat
		hide, mute, clean int
		created           int64
	)
	err := s.queryRow(ctx, s.db,
		`SELECT id, channel_id, hide_preview, mute, auto_clean, created_at FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.ChannelID, &hide, &mute, &clean, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	c.HidePreview = hide != 0
	c.Mute = mute != 0
	c.IsEnabledAutoClean = clean != 0
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// chatTables lists every table keyed by a chat id.
var chatTables = []string{"subscriptions", "chat_streams", "messages", "chat_backoff"}

func (s *sqlStore) DeleteChat(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range chatTables {
			if _, err := s.exec(ctx, tx, `DELETE FROM `+table+` WHERE chat_id = ?`, id); err != nil {
				return err
			}
		}
		// Companion links pointing at the removed chat are dropped too.
		if _, err := s.exec(ctx, tx, `UPDATE chats SET channel_id = 0 WHERE channel_id = ?`, id); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `DELETE FROM chats WHERE id = ?`, id)
		return err
	})
}

func (s *sqlStore) ChangeChatID(ctx context.Context, oldID, newID int64) error {
	if oldID == newID {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(1) FROM chats WHERE id = ?`, newID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		res, err := s.exec(ctx, tx, `UPDATE chats SET id = ? WHERE id = ?`, newID, oldID)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		for _, table := range chatTables {
			if _, err := s.exec(ctx, tx, `UPDATE `+table+` SET chat_id = ? WHERE chat_id = ?`, newID, oldID); err != nil {
				return err
			}
		}
		_, err = s.exec(ctx, tx, `UPDATE chats SET channel_id = ? WHERE channel_id = ?`, newID, oldID)
		return err
	})
}

func (s *sqlStore) Subscribe(ctx context.Context, chatID int64, channelID string) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO subscriptions(chat_id, channel_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id, channel_id) DO NOTHING`,
		chatID, channelID, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) Unsubscribe(ctx context.Context, chatID int64, channelID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM subscriptions WHERE chat_id = ? AND channel_id = ?`, chatID, channelID)
	return err
}
