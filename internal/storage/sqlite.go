package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

// SQLiteGateway is the reference Gateway backed by a pure-Go sqlite
// driver. Vector search is a brute-force cosine scan; deployments with
// large corpora should substitute an ANN-backed RAGStore.
type SQLiteGateway struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	total_messages INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	display_content TEXT NOT NULL DEFAULT '',
	reasoning TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	token_count INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	architecture TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS run_states (
	execution_id TEXT PRIMARY KEY,
	state BLOB,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS configs (
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (category, key)
);
CREATE TABLE IF NOT EXISTS notification_rules (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS rag_collections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS rag_documents (
	id TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL REFERENCES rag_collections(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS rag_chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	embedding TEXT NOT NULL,
	model TEXT NOT NULL,
	dimension INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rag_chunks_model ON rag_chunks(model, dimension);
CREATE TABLE IF NOT EXISTS mcp_servers (
	name TEXT PRIMARY KEY,
	connection_type TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	args TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	auto_connect INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// OpenSQLite opens (creating if needed) a sqlite-backed gateway at path.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, failf("open sqlite: %v", err)
	}
	// The driver is file-locked; a single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, failf("enable foreign keys: %v", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, failf("init schema: %v", err)
	}
	return &SQLiteGateway{db: db}, nil
}

func (g *SQLiteGateway) Close() error { return g.db.Close() }

// --- conversations ---

func (g *SQLiteGateway) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return failf("conversation id is required")
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, model, total_messages, total_tokens, total_cost, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Model, conv.TotalMessages, conv.TotalTokens, conv.TotalCost,
		boolToInt(conv.Archived), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return failf("create conversation: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, title, model, total_messages, total_tokens, total_cost, archived, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var archived int
	err := row.Scan(&conv.ID, &conv.Title, &conv.Model, &conv.TotalMessages, &conv.TotalTokens,
		&conv.TotalCost, &archived, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failf("conversation: %v", ErrNotFound)
	}
	if err != nil {
		return nil, failf("scan conversation: %v", err)
	}
	conv.Archived = archived != 0
	return &conv, nil
}

func (g *SQLiteGateway) ListConversations(ctx context.Context, limit, offset int, includeArchived bool) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, title, model, total_messages, total_tokens, total_cost, archived, created_at, updated_at
		 FROM conversations`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`

	rows, err := g.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, failf("list conversations: %v", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var archived int
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Model, &conv.TotalMessages, &conv.TotalTokens,
			&conv.TotalCost, &archived, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, failf("scan conversation: %v", err)
		}
		conv.Archived = archived != 0
		out = append(out, &conv)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) CountConversations(ctx context.Context, includeArchived bool) (int, error) {
	query := `SELECT COUNT(*) FROM conversations`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	var count int
	if err := g.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, failf("count conversations: %v", err)
	}
	return count, nil
}

func (g *SQLiteGateway) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, model = ?, archived = ?, updated_at = ? WHERE id = ?`,
		conv.Title, conv.Model, boolToInt(conv.Archived), time.Now(), conv.ID)
	if err != nil {
		return failf("update conversation: %v", err)
	}
	return requireRows(res, "conversation "+conv.ID)
}

func (g *SQLiteGateway) DeleteConversation(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return failf("delete conversation: %v", err)
	}
	return requireRows(res, "conversation "+id)
}

func (g *SQLiteGateway) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now(), id)
	if err != nil {
		return failf("update title: %v", err)
	}
	return requireRows(res, "conversation "+id)
}

func (g *SQLiteGateway) SetConversationArchived(ctx context.Context, id string, archived bool) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?`, boolToInt(archived), time.Now(), id)
	if err != nil {
		return failf("set archived: %v", err)
	}
	return requireRows(res, "conversation "+id)
}

// --- messages ---

func (g *SQLiteGateway) AppendMessage(ctx context.Context, msg *models.Message) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		return insertMessageTx(ctx, tx, msg)
	})
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message id and conversation id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, display_content, reasoning, metadata, token_count, cost, architecture, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.DisplayContent, msg.Reasoning,
		meta, msg.TokenCount, msg.Cost, msg.Architecture, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET total_messages = total_messages + 1,
		        total_tokens = total_tokens + ?, total_cost = total_cost + ?, updated_at = ?
		 WHERE id = ?`,
		msg.TokenCount, msg.Cost, time.Now(), msg.ConversationID)
	return err
}

func (g *SQLiteGateway) UpsertMessage(ctx context.Context, msg *models.Message) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		var existingTokens int
		var existingCost float64
		err := tx.QueryRowContext(ctx,
			`SELECT token_count, cost FROM messages WHERE id = ?`, msg.ID).
			Scan(&existingTokens, &existingCost)
		if errors.Is(err, sql.ErrNoRows) {
			return insertMessageTx(ctx, tx, msg)
		}
		if err != nil {
			return fmt.Errorf("lookup message: %w", err)
		}

		meta, err := marshalMetadata(msg.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, display_content = ?, reasoning = ?, metadata = ?, token_count = ?, cost = ?, architecture = ?
			 WHERE id = ?`,
			msg.Content, msg.DisplayContent, msg.Reasoning, meta, msg.TokenCount, msg.Cost, msg.Architecture, msg.ID); err != nil {
			return fmt.Errorf("replace message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET total_tokens = total_tokens + ?, total_cost = total_cost + ?, updated_at = ?
			 WHERE id = ?`,
			msg.TokenCount-existingTokens, msg.Cost-existingCost, time.Now(), msg.ConversationID)
		return err
	})
}

func (g *SQLiteGateway) GetMessagesByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, display_content, reasoning, metadata, token_count, cost, architecture, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, failf("list messages: %v", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var meta sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.DisplayContent,
			&msg.Reasoning, &meta, &msg.TokenCount, &msg.Cost, &msg.Architecture, &msg.CreatedAt); err != nil {
			return nil, failf("scan message: %v", err)
		}
		msg.Role = models.Role(role)
		if meta.Valid && meta.String != "" {
			var m models.MessageMetadata
			if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
				msg.Metadata = &m
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) DeleteMessage(ctx context.Context, id string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		var convID string
		var tokens int
		var cost float64
		err := tx.QueryRowContext(ctx,
			`SELECT conversation_id, token_count, cost FROM messages WHERE id = ?`, id).
			Scan(&convID, &tokens, &cost)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET
			        total_messages = MAX(0, total_messages - 1),
			        total_tokens = MAX(0, total_tokens - ?),
			        total_cost = MAX(0, total_cost - ?),
			        updated_at = ?
			 WHERE id = ?`, tokens, cost, time.Now(), convID)
		return err
	})
}

func (g *SQLiteGateway) DeleteMessagesAfter(ctx context.Context, conversationID, messageID string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		var pivot time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?`, messageID, conversationID).
			Scan(&pivot)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		var tokens int
		var cost float64
		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost), 0)
			 FROM messages WHERE conversation_id = ? AND (created_at > ? OR id = ?)`,
			conversationID, pivot, messageID).Scan(&count, &tokens, &cost)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ? AND (created_at > ? OR id = ?)`,
			conversationID, pivot, messageID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET
			        total_messages = MAX(0, total_messages - ?),
			        total_tokens = MAX(0, total_tokens - ?),
			        total_cost = MAX(0, total_cost - ?),
			        updated_at = ?
			 WHERE id = ?`, count, tokens, cost, time.Now(), conversationID)
		return err
	})
}

func (g *SQLiteGateway) DeleteMessagesByConversation(ctx context.Context, conversationID string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET total_messages = 0, total_tokens = 0, total_cost = 0, updated_at = ?
			 WHERE id = ?`, time.Now(), conversationID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM run_states WHERE execution_id LIKE ? || '%'`, conversationID)
		return err
	})
}

// --- run state ---

func (g *SQLiteGateway) EnsureRunStateSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS run_states (execution_id TEXT PRIMARY KEY, state BLOB, updated_at TIMESTAMP NOT NULL)`)
	if err != nil {
		return failf("ensure run state schema: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) GetRunState(ctx context.Context, executionID string) (*models.RunState, error) {
	var state models.RunState
	state.ExecutionID = executionID
	err := g.db.QueryRowContext(ctx,
		`SELECT state, updated_at FROM run_states WHERE execution_id = ?`, executionID).
		Scan(&state.State, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failf("run state %s: %v", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, failf("get run state: %v", err)
	}
	return &state, nil
}

func (g *SQLiteGateway) PutRunState(ctx context.Context, executionID string, state []byte) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO run_states (execution_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		executionID, state, time.Now())
	if err != nil {
		return failf("put run state: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) DeleteRunState(ctx context.Context, executionID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM run_states WHERE execution_id = ?`, executionID); err != nil {
		return failf("delete run state: %v", err)
	}
	return nil
}

// --- configs ---

func (g *SQLiteGateway) GetConfig(ctx context.Context, category, key string) (string, error) {
	var value string
	err := g.db.QueryRowContext(ctx,
		`SELECT value FROM configs WHERE category = ? AND key = ?`, category, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", failf("config %s/%s: %v", category, key, ErrNotFound)
	}
	if err != nil {
		return "", failf("get config: %v", err)
	}
	return value, nil
}

func (g *SQLiteGateway) SetConfig(ctx context.Context, category, key, value string) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO configs (category, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(category, key) DO UPDATE SET value = excluded.value`,
		category, key, value)
	if err != nil {
		return failf("set config: %v", err)
	}
	return nil
}

// --- notification rules ---

func (g *SQLiteGateway) CreateNotificationRule(ctx context.Context, rule *models.NotificationRule) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO notification_rules (id, channel, config, enabled) VALUES (?, ?, ?, ?)`,
		rule.ID, rule.Channel, rule.Config, boolToInt(rule.Enabled))
	if err != nil {
		return failf("create rule: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) GetNotificationRule(ctx context.Context, id string) (*models.NotificationRule, error) {
	var rule models.NotificationRule
	var enabled int
	err := g.db.QueryRowContext(ctx,
		`SELECT id, channel, config, enabled FROM notification_rules WHERE id = ?`, id).
		Scan(&rule.ID, &rule.Channel, &rule.Config, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failf("rule %s: %v", id, ErrNotFound)
	}
	if err != nil {
		return nil, failf("get rule: %v", err)
	}
	rule.Enabled = enabled != 0
	return &rule, nil
}

func (g *SQLiteGateway) UpdateNotificationRule(ctx context.Context, rule *models.NotificationRule) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE notification_rules SET channel = ?, config = ?, enabled = ? WHERE id = ?`,
		rule.Channel, rule.Config, boolToInt(rule.Enabled), rule.ID)
	if err != nil {
		return failf("update rule: %v", err)
	}
	return requireRows(res, "rule "+rule.ID)
}

func (g *SQLiteGateway) DeleteNotificationRule(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM notification_rules WHERE id = ?`, id)
	if err != nil {
		return failf("delete rule: %v", err)
	}
	return requireRows(res, "rule "+id)
}

func (g *SQLiteGateway) SearchNotificationRules(ctx context.Context, query string, limit, offset int) ([]*models.NotificationRule, int, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + query + "%"

	var total int
	if err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_rules WHERE channel LIKE ?`, like).Scan(&total); err != nil {
		return nil, 0, failf("count rules: %v", err)
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT id, channel, config, enabled FROM notification_rules WHERE channel LIKE ?
		 ORDER BY id LIMIT ? OFFSET ?`, like, limit, offset)
	if err != nil {
		return nil, 0, failf("search rules: %v", err)
	}
	defer rows.Close()

	var out []*models.NotificationRule
	for rows.Next() {
		var rule models.NotificationRule
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.Channel, &rule.Config, &enabled); err != nil {
			return nil, 0, failf("scan rule: %v", err)
		}
		rule.Enabled = enabled != 0
		out = append(out, &rule)
	}
	return out, total, rows.Err()
}

// --- RAG ---

func (g *SQLiteGateway) CreateCollection(ctx context.Context, c *models.Collection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rag_collections (id, name, active, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, boolToInt(c.Active), c.CreatedAt)
	if err != nil {
		return failf("create collection: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) ListCollections(ctx context.Context, activeOnly bool) ([]*models.Collection, error) {
	query := `SELECT id, name, active, created_at FROM rag_collections`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, failf("list collections: %v", err)
	}
	defer rows.Close()

	var out []*models.Collection
	for rows.Next() {
		var c models.Collection
		var active int
		if err := rows.Scan(&c.ID, &c.Name, &active, &c.CreatedAt); err != nil {
			return nil, failf("scan collection: %v", err)
		}
		c.Active = active != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) DeleteCollection(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM rag_collections WHERE id = ?`, id); err != nil {
		return failf("delete collection: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) CreateDocument(ctx context.Context, d *models.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO rag_documents (id, collection_id, title, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.CollectionID, d.Title, d.Source, d.CreatedAt)
	if err != nil {
		return failf("create document: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) DeleteDocument(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM rag_documents WHERE id = ?`, id); err != nil {
		return failf("delete document: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) CreateChunk(ctx context.Context, c *models.Chunk) error {
	embedding, err := json.Marshal(c.Embedding)
	if err != nil {
		return failf("marshal embedding: %v", err)
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO rag_chunks (id, document_id, content, embedding, model, dimension) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.Content, string(embedding), c.Model, c.Dimension)
	if err != nil {
		return failf("create chunk: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) VectorSearch(ctx context.Context, collectionIDs []string, embedding []float32, model string, dimension int, threshold float64, limit int) ([]models.ScoredChunk, error) {
	query := `SELECT ch.id, ch.document_id, ch.content, ch.embedding, ch.model, ch.dimension
	          FROM rag_chunks ch JOIN rag_documents d ON d.id = ch.document_id
	          WHERE ch.model = ? AND ch.dimension = ?`
	args := []any{model, dimension}
	if len(collectionIDs) > 0 {
		query += ` AND d.collection_id IN (` + placeholders(len(collectionIDs)) + `)`
		for _, id := range collectionIDs {
			args = append(args, id)
		}
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failf("vector search: %v", err)
	}
	defer rows.Close()

	var hits []models.ScoredChunk
	for rows.Next() {
		var chunk models.Chunk
		var raw string
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Content, &raw, &chunk.Model, &chunk.Dimension); err != nil {
			return nil, failf("scan chunk: %v", err)
		}
		if err := json.Unmarshal([]byte(raw), &chunk.Embedding); err != nil {
			continue
		}
		score := cosineSimilarity(embedding, chunk.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, models.ScoredChunk{Chunk: chunk, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, failf("vector search rows: %v", err)
	}

	sortScored(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// --- MCP server configs ---

func (g *SQLiteGateway) ListMCPServers(ctx context.Context) ([]*models.MCPServerConfig, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT name, connection_type, url, command, args, enabled, auto_connect, timeout_ms, retry_count, created_at, updated_at
		 FROM mcp_servers ORDER BY name`)
	if err != nil {
		return nil, failf("list mcp servers: %v", err)
	}
	defer rows.Close()

	var out []*models.MCPServerConfig
	for rows.Next() {
		var cfg models.MCPServerConfig
		var connType string
		var enabled, autoConnect int
		var timeoutMs int64
		if err := rows.Scan(&cfg.Name, &connType, &cfg.URL, &cfg.Command, &cfg.Args,
			&enabled, &autoConnect, &timeoutMs, &cfg.RetryCount, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, failf("scan mcp server: %v", err)
		}
		cfg.ConnectionType = models.MCPConnectionType(connType)
		cfg.Enabled = enabled != 0
		cfg.AutoConnect = autoConnect != 0
		cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

func (g *SQLiteGateway) UpsertMCPServer(ctx context.Context, cfg *models.MCPServerConfig) error {
	now := time.Now()
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (name, connection_type, url, command, args, enabled, auto_connect, timeout_ms, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		        connection_type = excluded.connection_type, url = excluded.url,
		        command = excluded.command, args = excluded.args,
		        enabled = excluded.enabled, auto_connect = excluded.auto_connect,
		        timeout_ms = excluded.timeout_ms, retry_count = excluded.retry_count,
		        updated_at = excluded.updated_at`,
		cfg.Name, string(cfg.ConnectionType), cfg.URL, cfg.Command, cfg.Args,
		boolToInt(cfg.Enabled), boolToInt(cfg.AutoConnect), cfg.Timeout.Milliseconds(), cfg.RetryCount, now, now)
	if err != nil {
		return failf("upsert mcp server: %v", err)
	}
	return nil
}

func (g *SQLiteGateway) SetMCPServerEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE mcp_servers SET enabled = ?, updated_at = ? WHERE name = ?`, boolToInt(enabled), time.Now(), name)
	if err != nil {
		return failf("set enabled: %v", err)
	}
	return requireRows(res, "mcp server "+name)
}

func (g *SQLiteGateway) SetMCPServerAutoConnect(ctx context.Context, name string, autoConnect bool) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE mcp_servers SET auto_connect = ?, updated_at = ? WHERE name = ?`, boolToInt(autoConnect), time.Now(), name)
	if err != nil {
		return failf("set auto connect: %v", err)
	}
	return requireRows(res, "mcp server "+name)
}

func (g *SQLiteGateway) DeleteMCPServer(ctx context.Context, name string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE name = ?`, name)
	if err != nil {
		return failf("delete mcp server: %v", err)
	}
	return requireRows(res, "mcp server "+name)
}

// --- helpers ---

func (g *SQLiteGateway) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return failf("begin tx: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrPersistence) {
			return err
		}
		return failf("%v", err)
	}
	if err := tx.Commit(); err != nil {
		return failf("commit: %v", err)
	}
	return nil
}

func marshalMetadata(meta *models.MessageMetadata) (sql.NullString, error) {
	if meta == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func requireRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return failf("rows affected: %v", err)
	}
	if n == 0 {
		return failf("%s: %v", what, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func sortScored(hits []models.ScoredChunk) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
