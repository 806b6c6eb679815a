package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/vaultchat/internal/domain"
	"github.com/ashureev/vaultchat/internal/shared"
	_ "modernc.org/sqlite"
)

// appendRetryPolicy retries row-version conflicts and SQLITE_BUSY when appending messages.
var appendRetryPolicy = shared.RetryPolicy{
	MaxAttempts: 6,
	BaseDelay:   20 * time.Millisecond,
	Retryable: func(err error) bool {
		return errors.Is(err, ErrVersionConflict) || shared.IsSQLiteConflictError(err)
	},
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on busy_timeout
	// instead of failing on lock upgrade.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		title TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		thread_id TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		row_version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (updated_at >= created_at)
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER,
		is_processing INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS file_operations (
		message_id TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		file_path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS action_cards (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		operation TEXT NOT NULL,
		status_message TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		reasoning TEXT NOT NULL,
		warnings_json TEXT NOT NULL,
		needs_confirmation INTEGER NOT NULL,
		reflection_key TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_cards_key ON action_cards(reflection_key);

	CREATE TABLE IF NOT EXISTS planned_actions (
		id TEXT PRIMARY KEY,
		card_id TEXT NOT NULL REFERENCES action_cards(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		description TEXT NOT NULL,
		operation TEXT NOT NULL,
		content TEXT NOT NULL,
		sort_order INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_planned_actions_card ON planned_actions(card_id, sort_order);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.Title == "" {
		conv.Title = domain.DefaultConversationTitle
	}
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	query := `
	INSERT INTO conversations (id, user_id, title, provider, model, thread_id, archived, row_version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID, nullString(conv.UserID), conv.Title, conv.Provider, conv.Model,
		nullString(conv.ThreadID), conv.Archived,
		conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	conv.RowVersion = 1
	return nil
}

const conversationColumns = `id, user_id, title, provider, model, thread_id, archived, row_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var userID, threadID sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&conv.ID, &userID, &conv.Title, &conv.Provider, &conv.Model,
		&threadID, &conv.Archived, &conv.RowVersion, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	conv.UserID = userID.String
	conv.ThreadID = threadID.String
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations ordered by last activity.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1 = 1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// UpdateConversation updates a conversation guarded by its row version.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	query := `
	UPDATE conversations SET
		title = ?, provider = ?, model = ?, thread_id = ?, archived = ?,
		updated_at = ?, row_version = row_version + 1
	WHERE id = ? AND row_version = ?`

	result, err := s.db.ExecContext(ctx, query,
		conv.Title, conv.Provider, conv.Model, nullString(conv.ThreadID), conv.Archived,
		conv.UpdatedAt.UnixMilli(), conv.ID, conv.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		existing, err := s.GetConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		slog.Warn("UpdateConversation lost optimistic lock",
			"conversation_id", conv.ID,
			"expected_version", conv.RowVersion,
			"current_version", existing.RowVersion)
		return ErrVersionConflict
	}

	conv.RowVersion++
	return nil
}

// DeleteConversation removes a conversation; messages, file operations,
// action cards and planned actions go with it through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists a message and bumps the owning conversation's version.
// Version conflicts and SQLITE_BUSY are retried with exponential backoff.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	return shared.Retry(ctx, appendRetryPolicy, "append_message", func(ctx context.Context) error {
		return s.appendMessageOnce(ctx, msg)
	})
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, msg *domain.Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back append", "error", rbErr)
			}
		}
	}()

	var version, createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT row_version, created_at FROM conversations WHERE id = ?`, msg.ConversationID,
	).Scan(&version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read conversation version: %w", err)
	}

	if err = insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	updatedAt := msg.CreatedAt.UnixMilli()
	if updatedAt < createdAt {
		updatedAt = createdAt
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at, ?), row_version = row_version + 1
		WHERE id = ? AND row_version = ?`,
		updatedAt, msg.ConversationID, version,
	)
	if err != nil {
		return fmt.Errorf("bump conversation version: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		err = ErrVersionConflict
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	var tokenCount any
	if msg.TokenCount != nil {
		tokenCount = *msg.TokenCount
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, token_count, is_processing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, tokenCount,
		msg.IsProcessing, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if op := msg.FileOperation; op != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_operations (message_id, action, file_path, created_at)
			VALUES (?, ?, ?, ?)`,
			msg.ID, string(op.Action), op.FilePath, op.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert file operation: %w", err)
		}
	}

	if card := msg.ActionCard; card != nil {
		if err := insertActionCard(ctx, tx, msg.ID, card); err != nil {
			return err
		}
	}
	return nil
}

func insertActionCard(ctx context.Context, tx *sql.Tx, messageID string, card *domain.ActionCard) error {
	warnings, err := json.Marshal(nonNilStrings(card.ReflectionMetadata.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO action_cards (
			id, message_id, title, status, operation, status_message, created_at, completed_at,
			reasoning, warnings_json, needs_confirmation, reflection_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, messageID, card.Title, string(card.Status), card.Operation, card.StatusMessage,
		card.CreatedAt.UnixMilli(), nullTime(card.CompletedAt),
		card.ReflectionMetadata.Reasoning, string(warnings),
		card.ReflectionMetadata.NeedsConfirmation, card.ReflectionMetadata.ReflectionKey,
	)
	if err != nil {
		return fmt.Errorf("insert action card: %w", err)
	}

	for _, action := range card.PlannedActions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO planned_actions (id, card_id, type, source, destination, description, operation, content, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			action.ID, card.ID, action.Type, action.Source, action.Destination,
			action.Description, action.Operation, action.Content, action.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("insert planned action: %w", err)
		}
	}
	return nil
}

// ListMessages returns a conversation's messages with their sub-records.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.token_count, m.is_processing, m.created_at,
		       f.action, f.file_path, f.created_at
		FROM messages m
		LEFT JOIN file_operations f ON f.message_id = m.id
		WHERE m.conversation_id = ?
		ORDER BY m.seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	byID := make(map[string]*domain.Message)
	for rows.Next() {
		var msg domain.Message
		var role string
		var tokenCount sql.NullInt64
		var createdAt int64
		var action, filePath sql.NullString
		var opCreatedAt sql.NullInt64

		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &role, &msg.Content, &tokenCount, &msg.IsProcessing, &createdAt,
			&action, &filePath, &opCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAt)
		if tokenCount.Valid {
			n := int(tokenCount.Int64)
			msg.TokenCount = &n
		}
		if action.Valid {
			msg.FileOperation = &domain.FileOperation{
				Action:    domain.FileAction(action.String),
				FilePath:  filePath.String,
				Timestamp: time.UnixMilli(opCreatedAt.Int64),
			}
		}
		messages = append(messages, &msg)
		byID[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	cards, err := s.queryActionCards(ctx, `
		SELECT c.message_id, `+actionCardColumns+`
		FROM action_cards c JOIN messages m ON m.id = c.message_id
		WHERE m.conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	for messageID, card := range cards {
		if msg, ok := byID[messageID]; ok {
			msg.ActionCard = card
		}
	}

	return messages, nil
}

const actionCardColumns = `c.id, c.title, c.status, c.operation, c.status_message, c.created_at, c.completed_at,
	c.reasoning, c.warnings_json, c.needs_confirmation, c.reflection_key`

// queryActionCards runs a query selecting message_id followed by actionCardColumns
// and returns the cards keyed by message ID, planned actions included.
func (s *SQLiteStore) queryActionCards(ctx context.Context, query string, args ...any) (map[string]*domain.ActionCard, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query action cards: %w", err)
	}

	cards := make(map[string]*domain.ActionCard)
	for rows.Next() {
		var messageID, status, warnings string
		var createdAt int64
		var completedAt sql.NullInt64
		var card domain.ActionCard

		if err := rows.Scan(
			&messageID, &card.ID, &card.Title, &status, &card.Operation, &card.StatusMessage,
			&createdAt, &completedAt, &card.ReflectionMetadata.Reasoning, &warnings,
			&card.ReflectionMetadata.NeedsConfirmation, &card.ReflectionMetadata.ReflectionKey,
		); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan action card row: %w", err)
		}

		card.Status = domain.ActionCardStatus(status)
		card.CreatedAt = time.UnixMilli(createdAt)
		if completedAt.Valid {
			at := time.UnixMilli(completedAt.Int64)
			card.CompletedAt = &at
		}
		if err := json.Unmarshal([]byte(warnings), &card.ReflectionMetadata.Warnings); err != nil {
			slog.Warn("failed to decode action card warnings", "card_id", card.ID, "error", err)
		}
		cards[messageID] = &card
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate action cards: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close action card rows", "error", err)
	}

	for _, card := range cards {
		actions, err := s.listPlannedActions(ctx, card.ID)
		if err != nil {
			return nil, err
		}
		card.PlannedActions = actions
	}
	return cards, nil
}

func (s *SQLiteStore) listPlannedActions(ctx context.Context, cardID string) ([]domain.PlannedAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source, destination, description, operation, content, sort_order
		FROM planned_actions WHERE card_id = ? ORDER BY sort_order`, cardID)
	if err != nil {
		return nil, fmt.Errorf("query planned actions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close planned action rows", "error", closeErr)
		}
	}()

	var actions []domain.PlannedAction
	for rows.Next() {
		var a domain.PlannedAction
		if err := rows.Scan(&a.ID, &a.Type, &a.Source, &a.Destination, &a.Description, &a.Operation, &a.Content, &a.SortOrder); err != nil {
			return nil, fmt.Errorf("scan planned action row: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate planned actions: %w", err)
	}
	return actions, nil
}

// GetActionCardByKey finds the card that carries a confirmation token.
func (s *SQLiteStore) GetActionCardByKey(ctx context.Context, reflectionKey string) (*domain.ActionCard, error) {
	cards, err := s.queryActionCards(ctx, `
		SELECT c.message_id, `+actionCardColumns+`
		FROM action_cards c WHERE c.reflection_key = ?`, reflectionKey)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}
	var found *domain.ActionCard
	for _, card := range cards {
		found = card
	}
	return found, nil
}

// UpdateActionCard stores a card's status, message and completion time.
func (s *SQLiteStore) UpdateActionCard(ctx context.Context, card *domain.ActionCard) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE action_cards SET status = ?, status_message = ?, completed_at = ?
		WHERE id = ?`,
		string(card.Status), card.StatusMessage, nullTime(card.CompletedAt), card.ID,
	)
	if err != nil {
		return fmt.Errorf("update action card: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ Repository = (*SQLiteStore)(nil)
