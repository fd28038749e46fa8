package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

// MessageRepository persists messages and their per-recipient receipts.
// Every state transition is a single transaction: either the message, its
// receipts, the unread counters and the conversation preview all land, or
// none of them do.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// aggregateStatusSQL recomputes the sender-facing message status as the
// lowest receipt status. sent=1 < delivered=2 < read=3.
const aggregateStatusSQL = `
	UPDATE messages SET status = (
		SELECT CASE MIN(CASE r.status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 ELSE 1 END)
		       WHEN 3 THEN 'read' WHEN 2 THEN 'delivered' ELSE 'sent' END
		FROM message_receipts r WHERE r.message_id = messages.id)
	WHERE id = ANY($1)`

// Create persists a new message together with one receipt per recipient.
// Recipients in readBy start at 'read' (they were viewing the conversation
// when the message arrived) and their unread counter is left untouched;
// everyone else starts at 'sent' and gets unread_count incremented. The
// conversation's last-message preview is refreshed in the same transaction.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message, recipients []string, readBy map[string]bool) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, message_type, content, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Content, m.Status, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("msgRepo.Create insert: %w", err)
	}

	allRead := len(recipients) > 0
	for _, uid := range recipients {
		status := model.MessageStatusSent
		if readBy[uid] {
			status = model.MessageStatusRead
		} else {
			allRead = false
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO message_receipts (message_id, recipient_id, status, updated_at)
			 VALUES ($1, $2, $3, $4)`,
			m.ID, uid, status, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("msgRepo.Create receipt %s: %w", uid, err)
		}
		if !readBy[uid] {
			_, err = tx.Exec(ctx,
				`UPDATE conversation_participants SET unread_count = unread_count + 1
				 WHERE conversation_id = $1 AND user_id = $2`,
				m.ConversationID, uid,
			)
			if err != nil {
				return fmt.Errorf("msgRepo.Create unread %s: %w", uid, err)
			}
		}
	}
	if allRead {
		m.Status = model.MessageStatusRead
	}

	_, err = tx.Exec(ctx,
		`UPDATE conversations SET last_message_id = $1, last_message_text = $2,
		        last_message_type = $3, last_message_sender = $4, last_message_at = $5
		 WHERE id = $6`,
		m.ID, m.Content, m.Type, m.SenderID, m.CreatedAt, m.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create preview: %w", err)
	}

	if _, err = tx.Exec(ctx, aggregateStatusSQL, []string{m.ID}); err != nil {
		return fmt.Errorf("msgRepo.Create aggregate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, message_type, content, status, seq, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.Status, &m.Seq, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetConversationMessages pages the message log, newest first. seq is the
// submission order within the conversation.
func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.message_type, m.content, m.status, m.seq, m.created_at,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.seq DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.Status, &m.Seq, &m.CreatedAt,
			&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		m.Sender = sender
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}

// MarkDelivered transitions one receipt sent→delivered. Returns false when
// nothing changed because the receipt is already at or past delivered; a
// late delivery ack never regresses a read receipt.
func (r *MessageRepository) MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkDelivered begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE message_receipts SET status = 'delivered', updated_at = $3
		 WHERE message_id = $1 AND recipient_id = $2 AND status = 'sent'`,
		messageID, recipientID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkDelivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err = tx.Exec(ctx, aggregateStatusSQL, []string{messageID}); err != nil {
		return false, fmt.Errorf("msgRepo.MarkDelivered aggregate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("msgRepo.MarkDelivered commit: %w", err)
	}
	return true, nil
}

// MarkConversationRead moves every receipt of the recipient in the
// conversation to 'read' and zeroes their unread counter, all in one
// transaction. Returns the ids of messages whose receipt changed; calling
// it again is a no-op returning an empty slice.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, recipientID string) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkConversationRead", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE message_receipts r SET status = 'read', updated_at = $3
		 FROM messages m
		 WHERE r.message_id = m.id AND m.conversation_id = $1
		   AND r.recipient_id = $2 AND r.status != 'read'
		 RETURNING r.message_id`,
		conversationID, recipientID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead update: %w", err)
	}
	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("msgRepo.MarkConversationRead scan: %w", err)
		}
		changed = append(changed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead rows: %w", err)
	}

	if len(changed) > 0 {
		if _, err = tx.Exec(ctx, aggregateStatusSQL, changed); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkConversationRead aggregate: %w", err)
		}
	}
	_, err = tx.Exec(ctx,
		`UPDATE conversation_participants SET unread_count = 0
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead unread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead commit: %w", err)
	}
	return changed, nil
}

// GetReceipt returns the per-recipient state of one message.
func (r *MessageRepository) GetReceipt(ctx context.Context, messageID, recipientID string) (*model.Receipt, error) {
	defer logger.DeferLogDuration("msg.GetReceipt", time.Now())()
	rec := &model.Receipt{}
	err := r.pool.QueryRow(ctx,
		`SELECT message_id, recipient_id, status, updated_at
		 FROM message_receipts WHERE message_id = $1 AND recipient_id = $2`,
		messageID, recipientID,
	).Scan(&rec.MessageID, &rec.RecipientID, &rec.Status, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetReceipt: %w", err)
	}
	return rec, nil
}
