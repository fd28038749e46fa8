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

const conversationCols = `id, product_id, created_by, created_at,
	last_message_id, last_message_text, last_message_type, last_message_sender, last_message_at`

// ConversationRepository is the authoritative conversation directory.
// Membership checks for authorization always hit this store, never a cache.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.ProductID, &c.CreatedBy, &c.CreatedAt,
		&c.LastMessageID, &c.LastMessageText, &c.LastMessageType, &c.LastMessageSender, &c.LastMessageAt)
}

// Create inserts the conversation and its fixed participant set in one
// transaction. Membership is immutable afterwards.
func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation, participantIDs []string) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	if len(participantIDs) < 2 {
		return fmt.Errorf("convRepo.Create: need at least 2 participants, got %d", len(participantIDs))
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, product_id, created_by, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.ProductID, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create insert: %w", err)
	}
	for _, uid := range participantIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, unread_count, joined_at)
			 VALUES ($1, $2, 0, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.Create participant %s: %w", uid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) Exists(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("conv.Exists", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.Exists: %w", err)
	}
	return exists, nil
}

// ParticipantIDs resolves the participant set, ErrNotFound if the
// conversation does not exist.
func (r *ConversationRepository) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.ParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.ParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ParticipantIDs rows: %w", err)
	}
	if len(ids) == 0 {
		exists, err := r.Exists(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return ids, nil
}

// ConversationsOf lists ids of every conversation the user belongs to.
func (r *ConversationRepository) ConversationsOf(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.ConversationsOf", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ConversationsOf query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.ConversationsOf scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ConversationsOf rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

// FindForProduct returns the existing buyer/seller conversation around a
// product, so opening the same listing twice does not fork the thread.
func (r *ConversationRepository) FindForProduct(ctx context.Context, productID, userID1, userID2 string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindForProduct", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations c
		 WHERE c.product_id = $1
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2)
		   AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $3)`,
		productID, userID1, userID2,
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.FindForProduct: %w", err)
	}
	return c, nil
}

// ListForUser returns the user's conversations with the other participants
// and the caller's unread counter, newest activity first.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.ConversationListItem, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.product_id, c.created_by, c.created_at,
		        c.last_message_id, c.last_message_text, c.last_message_type, c.last_message_sender, c.last_message_at,
		        cp.unread_count
		 FROM conversations c
		 JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $1
		 ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	items := make([]model.ConversationListItem, 0, 16)
	for rows.Next() {
		var item model.ConversationListItem
		c := &item.Conversation
		if err := rows.Scan(&c.ID, &c.ProductID, &c.CreatedBy, &c.CreatedAt,
			&c.LastMessageID, &c.LastMessageText, &c.LastMessageType, &c.LastMessageSender, &c.LastMessageAt,
			&item.UnreadCount); err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}

	// Attach the other participants per conversation.
	for i := range items {
		users, err := r.otherParticipants(ctx, items[i].Conversation.ID, userID)
		if err != nil {
			return nil, err
		}
		items[i].Participants = users
	}
	return items, nil
}

func (r *ConversationRepository) otherParticipants(ctx context.Context, conversationID, userID string) ([]model.UserPublic, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM users u
		 JOIN conversation_participants cp ON cp.user_id = u.id
		 WHERE cp.conversation_id = $1 AND u.id != $2
		 ORDER BY cp.joined_at`, conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.otherParticipants query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 2)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("convRepo.otherParticipants scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.otherParticipants rows: %w", err)
	}
	return users, nil
}

// UnreadCount returns the user's unread counter for one conversation.
func (r *ConversationRepository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT unread_count FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("convRepo.UnreadCount: %w", err)
	}
	return count, nil
}
