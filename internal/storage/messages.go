package storage

import (
	"context"
	"database/sql"
	"time"
)

const messageColumns = `m.id, m.chat_id, m.stream_id, m.type, m.text, m.has_changes, m.created_at`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m       Message
			typ     string
			changes int
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.StreamID, &typ, &m.Text, &changes, &created); err != nil {
			return nil, err
		}
		m.Type = MessageType(typ)
		m.HasChanges = changes != 0
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) PendingStreamIDs(ctx context.Context, chatID int64, limit int) ([]string, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT stream_id FROM chat_streams WHERE chat_id = ? ORDER BY created_at ASC, stream_id ASC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *sqlStore) DropPendingStream(ctx context.Context, chatID int64, streamID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM chat_streams WHERE chat_id = ? AND stream_id = ?`, chatID, streamID)
	return err
}

func (s *sqlStore) MessagesWithChanges(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+messageColumns+` FROM messages m
		 JOIN streams st ON st.id = m.stream_id
		 WHERE m.chat_id = ? AND m.has_changes = 1 AND st.is_offline = 0
		 ORDER BY m.created_at ASC, m.id ASC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *sqlStore) MessagesForDelete(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+messageColumns+` FROM messages m
		 LEFT JOIN streams st ON st.id = m.stream_id
		 WHERE m.chat_id = ? AND (st.id IS NULL OR st.is_offline = 1)
		 ORDER BY m.created_at ASC, m.id ASC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *sqlStore) CommitSentMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM chat_streams WHERE chat_id = ? AND stream_id = ?`, m.ChatID, m.StreamID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO messages(chat_id, id, stream_id, type, text, has_changes, created_at) VALUES(?,?,?,?,?,0,?)`,
			m.ChatID, m.ID, m.StreamID, string(m.Type), m.Text, toMillis(m.CreatedAt),
		)
		return err
	})
}

func (s *sqlStore) UpdateMessageText(ctx context.Context, chatID int64, id int, text string) error {
	_, err := s.exec(ctx, s.db, `UPDATE messages SET text = ?, has_changes = 0 WHERE chat_id = ? AND id = ?`, text, chatID, id)
	return err
}

func (s *sqlStore) DeleteMessage(ctx context.Context, chatID int64, id int) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM messages WHERE chat_id = ? AND id = ?`, chatID, id)
	return err
}

func (s *sqlStore) ChatIDsPendingStream(ctx context.Context, streamID string) ([]int64, error) {
	rows, err := s.query(ctx, s.db, `SELECT chat_id FROM chat_streams WHERE stream_id = ? ORDER BY chat_id`, streamID)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}

func (s *sqlStore) ChatIDsWithWork(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT chat_id FROM chat_streams
		 UNION
		 SELECT m.chat_id FROM messages m JOIN streams st ON st.id = m.stream_id WHERE m.has_changes = 1 AND st.is_offline = 0
		 UNION
		 SELECT m.chat_id FROM messages m LEFT JOIN streams st ON st.id = m.stream_id WHERE st.id IS NULL OR st.is_offline = 1
		 ORDER BY 1`,
	)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}
