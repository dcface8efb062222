package storage

import (
	"context"
	"database/sql"
	"errors"

	"taskbot/internal/todo"
)

// UpsertProfile binds the user to a chat. A chat bound to another user is
// moved to this one.
func (s *Store) UpsertProfile(ctx context.Context, p todo.Profile) error {
	chat := sql.NullInt64{Int64: p.TelegramChatID, Valid: p.TelegramChatID != 0}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if chat.Valid {
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE profiles SET telegram_chat_id = NULL WHERE telegram_chat_id = ? AND user_id <> ?`),
				chat, p.UserID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO profiles(user_id, telegram_chat_id) VALUES(?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET telegram_chat_id = excluded.telegram_chat_id`),
			p.UserID, chat)
		return err
	})
}

// TelegramChatID resolves the recipient binding of a user.
func (s *Store) TelegramChatID(ctx context.Context, userID int64) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrClosed
	}
	var chat sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT telegram_chat_id FROM profiles WHERE user_id = ?`), userID).Scan(&chat)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return chat.Int64, chat.Valid && chat.Int64 != 0, nil
}
