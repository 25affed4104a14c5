package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

// MemoryGateway is an in-memory Gateway used by tests and ephemeral runs.
type MemoryGateway struct {
	mu sync.RWMutex

	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // conversation id → ordered messages
	runStates     map[string]*models.RunState
	configs       map[string]string // category + "\x00" + key
	rules         map[string]*models.NotificationRule
	collections   map[string]*models.Collection
	documents     map[string]*models.Document
	chunks        map[string][]*models.Chunk // document id → chunks
	mcpServers    map[string]*models.MCPServerConfig
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		runStates:     make(map[string]*models.RunState),
		configs:       make(map[string]string),
		rules:         make(map[string]*models.NotificationRule),
		collections:   make(map[string]*models.Collection),
		documents:     make(map[string]*models.Document),
		chunks:        make(map[string][]*models.Chunk),
		mcpServers:    make(map[string]*models.MCPServerConfig),
	}
}

func (g *MemoryGateway) Close() error { return nil }

// --- conversations ---

func (g *MemoryGateway) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return failf("conversation id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.conversations[conv.ID]; exists {
		return failf("conversation %s already exists", conv.ID)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	cp := *conv
	g.conversations[conv.ID] = &cp
	return nil
}

func (g *MemoryGateway) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conv, ok := g.conversations[id]
	if !ok {
		return nil, failf("conversation %s: %v", id, ErrNotFound)
	}
	cp := *conv
	return &cp, nil
}

func (g *MemoryGateway) ListConversations(ctx context.Context, limit, offset int, includeArchived bool) ([]*models.Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	all := make([]*models.Conversation, 0, len(g.conversations))
	for _, conv := range g.conversations {
		if !includeArchived && conv.Archived {
			continue
		}
		cp := *conv
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	return paginate(all, limit, offset), nil
}

func (g *MemoryGateway) CountConversations(ctx context.Context, includeArchived bool) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, conv := range g.conversations {
		if !includeArchived && conv.Archived {
			continue
		}
		count++
	}
	return count, nil
}

func (g *MemoryGateway) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conversations[conv.ID]; !ok {
		return failf("conversation %s: %v", conv.ID, ErrNotFound)
	}
	cp := *conv
	cp.UpdatedAt = time.Now()
	g.conversations[conv.ID] = &cp
	return nil
}

func (g *MemoryGateway) DeleteConversation(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conversations[id]; !ok {
		return failf("conversation %s: %v", id, ErrNotFound)
	}
	delete(g.conversations, id)
	delete(g.messages, id)
	return nil
}

func (g *MemoryGateway) UpdateConversationTitle(ctx context.Context, id, title string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	conv, ok := g.conversations[id]
	if !ok {
		return failf("conversation %s: %v", id, ErrNotFound)
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) SetConversationArchived(ctx context.Context, id string, archived bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	conv, ok := g.conversations[id]
	if !ok {
		return failf("conversation %s: %v", id, ErrNotFound)
	}
	conv.Archived = archived
	conv.UpdatedAt = time.Now()
	return nil
}

// --- messages ---

func (g *MemoryGateway) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return failf("message id and conversation id are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.appendLocked(msg)
}

func (g *MemoryGateway) appendLocked(msg *models.Message) error {
	conv, ok := g.conversations[msg.ConversationID]
	if !ok {
		return failf("conversation %s: %v", msg.ConversationID, ErrNotFound)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	g.messages[msg.ConversationID] = append(g.messages[msg.ConversationID], &cp)

	conv.TotalMessages++
	conv.TotalTokens += msg.TokenCount
	conv.TotalCost += msg.Cost
	conv.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) UpsertMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return failf("message id and conversation id are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	msgs := g.messages[msg.ConversationID]
	for i, existing := range msgs {
		if existing.ID == msg.ID {
			conv, ok := g.conversations[msg.ConversationID]
			if !ok {
				return failf("conversation %s: %v", msg.ConversationID, ErrNotFound)
			}
			conv.TotalTokens += msg.TokenCount - existing.TokenCount
			conv.TotalCost += msg.Cost - existing.Cost
			conv.UpdatedAt = time.Now()

			cp := *msg
			cp.CreatedAt = existing.CreatedAt
			msgs[i] = &cp
			return nil
		}
	}
	return g.appendLocked(msg)
}

func (g *MemoryGateway) GetMessagesByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	msgs := g.messages[conversationID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (g *MemoryGateway) DeleteMessage(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for convID, msgs := range g.messages {
		for i, m := range msgs {
			if m.ID != id {
				continue
			}
			g.messages[convID] = append(msgs[:i], msgs[i+1:]...)
			if conv, ok := g.conversations[convID]; ok {
				conv.TotalMessages = max(0, conv.TotalMessages-1)
				conv.TotalTokens = max(0, conv.TotalTokens-m.TokenCount)
				conv.TotalCost = max(0, conv.TotalCost-m.Cost)
				conv.UpdatedAt = time.Now()
			}
			return nil
		}
	}
	return failf("message %s: %v", id, ErrNotFound)
}

func (g *MemoryGateway) DeleteMessagesAfter(ctx context.Context, conversationID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	msgs := g.messages[conversationID]
	for i, m := range msgs {
		if m.ID != messageID {
			continue
		}
		removed := msgs[i:]
		g.messages[conversationID] = msgs[:i]
		if conv, ok := g.conversations[conversationID]; ok {
			for _, r := range removed {
				conv.TotalMessages = max(0, conv.TotalMessages-1)
				conv.TotalTokens = max(0, conv.TotalTokens-r.TokenCount)
				conv.TotalCost = max(0, conv.TotalCost-r.Cost)
			}
			conv.UpdatedAt = time.Now()
		}
		return nil
	}
	return failf("message %s in conversation %s: %v", messageID, conversationID, ErrNotFound)
}

func (g *MemoryGateway) DeleteMessagesByConversation(ctx context.Context, conversationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.messages, conversationID)
	if conv, ok := g.conversations[conversationID]; ok {
		conv.TotalMessages = 0
		conv.TotalTokens = 0
		conv.TotalCost = 0
		conv.UpdatedAt = time.Now()
	}
	// Clearing a conversation also clears its checkpoints; execution ids
	// are conversation-prefixed.
	for execID := range g.runStates {
		if strings.HasPrefix(execID, conversationID) {
			delete(g.runStates, execID)
		}
	}
	return nil
}

// --- run state ---

func (g *MemoryGateway) EnsureRunStateSchema(ctx context.Context) error { return nil }

func (g *MemoryGateway) GetRunState(ctx context.Context, executionID string) (*models.RunState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state, ok := g.runStates[executionID]
	if !ok {
		return nil, failf("run state %s: %v", executionID, ErrNotFound)
	}
	cp := *state
	return &cp, nil
}

func (g *MemoryGateway) PutRunState(ctx context.Context, executionID string, state []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runStates[executionID] = &models.RunState{
		ExecutionID: executionID,
		State:       append([]byte(nil), state...),
		UpdatedAt:   time.Now(),
	}
	return nil
}

func (g *MemoryGateway) DeleteRunState(ctx context.Context, executionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runStates, executionID)
	return nil
}

// --- configs ---

func configKey(category, key string) string { return category + "\x00" + key }

func (g *MemoryGateway) GetConfig(ctx context.Context, category, key string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	value, ok := g.configs[configKey(category, key)]
	if !ok {
		return "", failf("config %s/%s: %v", category, key, ErrNotFound)
	}
	return value, nil
}

func (g *MemoryGateway) SetConfig(ctx context.Context, category, key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configs[configKey(category, key)] = value
	return nil
}

// --- notification rules ---

func (g *MemoryGateway) CreateNotificationRule(ctx context.Context, rule *models.NotificationRule) error {
	if rule == nil || rule.ID == "" {
		return failf("rule id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.rules[rule.ID]; exists {
		return failf("rule %s already exists", rule.ID)
	}
	cp := *rule
	g.rules[rule.ID] = &cp
	return nil
}

func (g *MemoryGateway) GetNotificationRule(ctx context.Context, id string) (*models.NotificationRule, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rule, ok := g.rules[id]
	if !ok {
		return nil, failf("rule %s: %v", id, ErrNotFound)
	}
	cp := *rule
	return &cp, nil
}

func (g *MemoryGateway) UpdateNotificationRule(ctx context.Context, rule *models.NotificationRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rules[rule.ID]; !ok {
		return failf("rule %s: %v", rule.ID, ErrNotFound)
	}
	cp := *rule
	g.rules[rule.ID] = &cp
	return nil
}

func (g *MemoryGateway) DeleteNotificationRule(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rules[id]; !ok {
		return failf("rule %s: %v", id, ErrNotFound)
	}
	delete(g.rules, id)
	return nil
}

func (g *MemoryGateway) SearchNotificationRules(ctx context.Context, query string, limit, offset int) ([]*models.NotificationRule, int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var matched []*models.NotificationRule
	q := strings.ToLower(query)
	for _, rule := range g.rules {
		if q == "" || strings.Contains(strings.ToLower(rule.Channel), q) {
			cp := *rule
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	return paginate(matched, limit, offset), total, nil
}

// --- RAG ---

func (g *MemoryGateway) CreateCollection(ctx context.Context, c *models.Collection) error {
	if c == nil || c.ID == "" {
		return failf("collection id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *c
	g.collections[c.ID] = &cp
	return nil
}

func (g *MemoryGateway) ListCollections(ctx context.Context, activeOnly bool) ([]*models.Collection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*models.Collection
	for _, c := range g.collections {
		if activeOnly && !c.Active {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *MemoryGateway) DeleteCollection(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.collections, id)
	for docID, doc := range g.documents {
		if doc.CollectionID == id {
			delete(g.documents, docID)
			delete(g.chunks, docID)
		}
	}
	return nil
}

func (g *MemoryGateway) CreateDocument(ctx context.Context, d *models.Document) error {
	if d == nil || d.ID == "" {
		return failf("document id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *d
	g.documents[d.ID] = &cp
	return nil
}

func (g *MemoryGateway) DeleteDocument(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.documents, id)
	delete(g.chunks, id)
	return nil
}

func (g *MemoryGateway) CreateChunk(ctx context.Context, c *models.Chunk) error {
	if c == nil || c.ID == "" || c.DocumentID == "" {
		return failf("chunk id and document id are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *c
	cp.Embedding = append([]float32(nil), c.Embedding...)
	g.chunks[c.DocumentID] = append(g.chunks[c.DocumentID], &cp)
	return nil
}

func (g *MemoryGateway) VectorSearch(ctx context.Context, collectionIDs []string, embedding []float32, model string, dimension int, threshold float64, limit int) ([]models.ScoredChunk, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	wanted := make(map[string]bool, len(collectionIDs))
	for _, id := range collectionIDs {
		wanted[id] = true
	}

	var hits []models.ScoredChunk
	for docID, chunks := range g.chunks {
		doc, ok := g.documents[docID]
		if !ok || (len(wanted) > 0 && !wanted[doc.CollectionID]) {
			continue
		}
		for _, chunk := range chunks {
			if chunk.Model != model || chunk.Dimension != dimension {
				continue
			}
			score := cosineSimilarity(embedding, chunk.Embedding)
			if score < threshold {
				continue
			}
			hits = append(hits, models.ScoredChunk{Chunk: *chunk, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// --- MCP server configs ---

func (g *MemoryGateway) ListMCPServers(ctx context.Context) ([]*models.MCPServerConfig, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*models.MCPServerConfig
	for _, cfg := range g.mcpServers {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *MemoryGateway) UpsertMCPServer(ctx context.Context, cfg *models.MCPServerConfig) error {
	if cfg == nil || cfg.Name == "" {
		return failf("mcp server name is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *cfg
	cp.UpdatedAt = time.Now()
	if existing, ok := g.mcpServers[cfg.Name]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	g.mcpServers[cfg.Name] = &cp
	return nil
}

func (g *MemoryGateway) SetMCPServerEnabled(ctx context.Context, name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg, ok := g.mcpServers[name]
	if !ok {
		return failf("mcp server %s: %v", name, ErrNotFound)
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) SetMCPServerAutoConnect(ctx context.Context, name string, autoConnect bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg, ok := g.mcpServers[name]
	if !ok {
		return failf("mcp server %s: %v", name, ErrNotFound)
	}
	cfg.AutoConnect = autoConnect
	cfg.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) DeleteMCPServer(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.mcpServers[name]; !ok {
		return failf("mcp server %s: %v", name, ErrNotFound)
	}
	delete(g.mcpServers, name)
	return nil
}

// --- helpers ---

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
