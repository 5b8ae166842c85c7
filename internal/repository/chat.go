package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tienda/storefront-api/internal/model"
)

type ChatMessageRepository interface {
	Insert(ctx context.Context, msg *model.ChatMessage) error
	// ListRecent returns up to limit of the newest messages in ascending
	// chronological order, ready for history replay.
	ListRecent(ctx context.Context, limit int) ([]model.ChatMessage, error)
}

type pgChatMessageRepo struct{ pool *pgxpool.Pool }

func NewChatMessageRepository(pool *pgxpool.Pool) ChatMessageRepository {
	return &pgChatMessageRepo{pool: pool}
}

func (r *pgChatMessageRepo) Insert(ctx context.Context, msg *model.ChatMessage) error {
	msg.ID = uuid.New()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (id, username, message, sent_at)
		 VALUES ($1, $2, $3, $4) RETURNING sent_at`,
		msg.ID, msg.Username, msg.Text, msg.Timestamp,
	).Scan(&msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *pgChatMessageRepo) ListRecent(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, message, sent_at FROM
			(SELECT id, username, message, sent_at FROM chat_messages
			 ORDER BY sent_at DESC LIMIT $1) newest
		 ORDER BY sent_at ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.Username, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
