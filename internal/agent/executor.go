package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/internal/cancel"
	"github.com/sentinel-labs/sentinel/internal/history"
	"github.com/sentinel-labs/sentinel/internal/observability"
	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/internal/storage"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

// RemoteTools dispatches tool calls the in-process registry does not
// serve, typically to MCP sessions, located by tool name.
type RemoteTools interface {
	Has(name string) bool
	Call(ctx context.Context, name string, arguments json.RawMessage) (content string, isError bool, err error)
	Definitions() []provider.ToolDefinition
}

// ExecutorConfig bounds one run.
type ExecutorConfig struct {
	MaxIterations int
	Timeout       time.Duration
	MaxTokens     int

	// SpillThreshold moves oversized tool results out of the message
	// row into the config-store escape hatch. Zero disables spilling.
	SpillThreshold int

	// DisablePersistence turns off message/checkpoint writes.
	DisablePersistence bool
}

// DefaultExecutorConfig returns the standard bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxIterations:  10,
		Timeout:        5 * time.Minute,
		MaxTokens:      4096,
		SpillThreshold: 64 * 1024,
	}
}

// RunParams identify and parameterize one execution.
type RunParams struct {
	ExecutionID    string
	ConversationID string

	// MessageID is the assistant message id the UI follows.
	MessageID string

	Model        string
	SystemPrompt string
	Task         string
	Attachments  []models.Attachment

	// DisableTools runs the pure streaming chat variant: no tool
	// definitions are sent and no dispatch happens.
	DisableTools bool

	Config ExecutorConfig
}

// runCheckpoint is the opaque blob written to the run-state store after
// each successful iteration.
type runCheckpoint struct {
	Iteration int    `json:"iteration"`
	Text      string `json:"text"`
	ToolCalls int    `json:"tool_calls"`
}

// Executor drives the outer tool loop: stream a turn, dispatch its tool
// calls, feed results back, repeat until the model stops calling tools or
// a bound trips.
type Executor struct {
	client   provider.StreamingClient
	registry *ToolRegistry
	remote   RemoteTools
	gateway  storage.Gateway
	bus      *bus.Bus
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewExecutor wires an executor. remote and metrics may be nil.
func NewExecutor(client provider.StreamingClient, registry *ToolRegistry, remote RemoteTools, gateway storage.Gateway, eventBus *bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:   client,
		registry: registry,
		remote:   remote,
		gateway:  gateway,
		bus:      eventBus,
		metrics:  metrics,
		logger:   logger.With("component", "executor"),
	}
}

// Run executes the loop to its single terminal event. The caller spawns
// it on its own goroutine; panics are converted to an error event.
func (e *Executor) Run(ctx context.Context, token *cancel.Token, params RunParams) {
	emitter := bus.NewEmitter(e.bus, token, params.ExecutionID, params.ConversationID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panic", "execution_id", params.ExecutionID, "panic", r)
			e.countRun("error")
			emitter.Emit(bus.EventError, params.MessageID, map[string]any{
				"message": fmt.Sprintf("%v: internal failure: %v", ErrFatal, r),
			})
		}
		e.cleanup(params.ExecutionID)
	}()

	cfg := params.Config
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultExecutorConfig().MaxIterations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExecutorConfig().Timeout
	}

	runCtx, cancelRun := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelRun()
	// In-flight provider streams and tool executions unwind when the
	// user cancels, not just at the next loop checkpoint.
	go func() {
		select {
		case <-token.Done():
			cancelRun()
		case <-runCtx.Done():
		}
	}()
	deadline := time.Now().Add(cfg.Timeout)

	messages, err := e.loadHistory(runCtx, params)
	if err != nil {
		e.countRun("error")
		emitter.Emit(bus.EventError, params.MessageID, map[string]any{"message": err.Error()})
		return
	}
	messages = append(messages, provider.ChatMessage{
		Role:        models.RoleUser,
		Content:     params.Task,
		Attachments: params.Attachments,
	})

	assistantID := params.MessageID
	if assistantID == "" {
		assistantID = uuid.New().String()
	}

	var tools []provider.ToolDefinition
	if !params.DisableTools {
		tools = e.toolDefinitions()
	}
	var finalText string

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		if token.Cancelled() {
			e.finishCancelled(emitter, params, assistantID, finalText)
			return
		}
		if time.Now().After(deadline) {
			e.countRun("timeout")
			emitter.Emit(bus.EventComplete, assistantID, map[string]any{
				"success": false,
				"reason":  fmt.Sprintf("%v: wall clock budget spent", ErrTimeout),
			})
			return
		}

		turn, err := e.streamTurn(runCtx, token, emitter, params, assistantID, messages, tools, cfg)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				e.finishCancelled(emitter, params, assistantID, turn.text)
				return
			}
			e.countRun("error")
			emitter.Emit(bus.EventError, assistantID, map[string]any{
				"message": fmt.Sprintf("%v: %v", ErrProviderFailure, err),
			})
			return
		}
		finalText = turn.text

		e.persistAssistantTurn(runCtx, params, assistantID, turn, cfg)

		if len(turn.toolCalls) == 0 {
			e.countRun("success")
			emitter.Emit(bus.EventAssistantMessageSaved, assistantID, map[string]any{
				"conversation_id": params.ConversationID,
			})
			emitter.Emit(bus.EventComplete, assistantID, map[string]any{"success": true})
			return
		}

		results := e.dispatchTools(runCtx, token, emitter, params, assistantID, turn.toolCalls, cfg)
		if token.Cancelled() {
			e.finishCancelled(emitter, params, assistantID, turn.text)
			return
		}

		// Feed the turn and its results back for the next iteration.
		messages = append(messages, provider.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   turn.text,
			Reasoning: turn.reasoning,
			ToolCalls: turn.toolCalls,
		})
		for _, result := range results {
			messages = append(messages, provider.ChatMessage{
				Role:        models.RoleTool,
				ToolResults: []models.ToolResult{result},
			})
		}

		e.checkpoint(runCtx, params, cfg, iteration, finalText, len(turn.toolCalls))

		// Later iterations stream into a fresh assistant message.
		assistantID = uuid.New().String()
	}

	e.countRun("iteration_cap")
	emitter.Emit(bus.EventComplete, assistantID, map[string]any{
		"success": false,
		"reason":  ErrMaxIterations.Error(),
	})
}

// turnResult accumulates one streamed assistant turn.
type turnResult struct {
	text      string
	reasoning string
	toolCalls []models.ToolCall
	usageIn   int
	usageOut  int
}

// streamTurn runs one stream_chat call, emitting chunk and tool-call
// events as they arrive.
func (e *Executor) streamTurn(ctx context.Context, token *cancel.Token, emitter *bus.Emitter, params RunParams, assistantID string, messages []provider.ChatMessage, tools []provider.ToolDefinition, cfg ExecutorConfig) (turnResult, error) {
	var turn turnResult
	var reasoning []byte

	onChunk := func(content provider.StreamContent) bool {
		if token.Cancelled() {
			return false
		}
		switch content.Kind {
		case provider.StreamText:
			turn.text += content.Text
			emitter.EmitChunk(assistantID, bus.ChunkContent, content.Text, false)
		case provider.StreamReasoning:
			reasoning = append(reasoning, content.Text...)
			emitter.EmitChunk(assistantID, bus.ChunkThinking, content.Text, false)
		case provider.StreamToolCallStart:
			emitter.Emit(bus.EventToolCallStart, assistantID, map[string]any{
				"tool_call_id": content.ToolCallID,
				"tool_name":    content.ToolName,
			})
		case provider.StreamToolCallDelta:
			emitter.Emit(bus.EventToolCallDelta, assistantID, map[string]any{
				"tool_call_id": content.ToolCallID,
				"delta":        content.Delta,
			})
		case provider.StreamToolCallComplete:
			turn.toolCalls = append(turn.toolCalls, models.ToolCall{
				ID:        content.ToolCallID,
				Name:      content.ToolName,
				Arguments: content.Arguments,
			})
			emitter.Emit(bus.EventToolCallComplete, assistantID, map[string]any{
				"tool_call_id": content.ToolCallID,
				"tool_name":    content.ToolName,
				"arguments":    string(content.Arguments),
			})
		case provider.StreamUsage:
			turn.usageIn = content.InputTokens
			turn.usageOut = content.OutputTokens
		case provider.StreamDone:
			emitter.EmitChunk(assistantID, bus.ChunkMeta, "", true)
		}
		return true
	}

	text, err := e.client.StreamChat(ctx, &provider.ChatRequest{
		Model:     params.Model,
		System:    params.SystemPrompt,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: cfg.MaxTokens,
	}, onChunk)
	turn.reasoning = string(reasoning)
	if token.Cancelled() {
		// Keep only the chunks the UI saw; the client's return value may
		// include text emitted after the stop.
		return turn, ErrCancelled
	}
	if err != nil {
		return turn, err
	}
	if text != "" {
		turn.text = text
	}
	return turn, nil
}

// dispatchTools runs every call of the turn. A single tool failure is
// non-fatal: its error text becomes the result so the model can recover.
func (e *Executor) dispatchTools(ctx context.Context, token *cancel.Token, emitter *bus.Emitter, params RunParams, assistantID string, calls []models.ToolCall, cfg ExecutorConfig) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if token.Cancelled() {
			return results
		}

		content, isError := e.dispatchOne(ctx, call)
		status := "ok"
		if isError {
			status = "error"
		}
		if e.metrics != nil {
			e.metrics.ToolCalls.WithLabelValues(status).Inc()
		}

		emitter.Emit(bus.EventToolResult, assistantID, map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Name,
			"result":       content,
			"is_error":     isError,
		})

		stored := content
		var handle string
		if cfg.SpillThreshold > 0 && len(content) > cfg.SpillThreshold && e.gateway != nil && !cfg.DisablePersistence {
			handle = "artifact:" + uuid.New().String()
			if err := e.gateway.SetConfig(ctx, "tool_artifacts", handle, content); err != nil {
				e.logger.Warn("tool result spill failed, storing inline", "error", err)
				handle = ""
			} else {
				stored = fmt.Sprintf("[stored artifact %s, %d bytes]", handle, len(content))
			}
		}

		if !cfg.DisablePersistence && e.gateway != nil {
			msg := &models.Message{
				ID:             uuid.New().String(),
				ConversationID: params.ConversationID,
				Role:           models.RoleTool,
				Content:        stored,
				Metadata: &models.MessageMetadata{
					ToolCallID:   call.ID,
					ToolName:     call.Name,
					ToolArgs:     call.Arguments,
					ToolResult:   stored,
					ResultHandle: handle,
				},
			}
			if err := e.gateway.AppendMessage(ctx, msg); err != nil {
				e.logger.Warn("tool message persist failed", "error", err)
			}
		}

		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    isError,
		})
	}
	return results
}

// dispatchOne routes a call to the in-process registry or the remote
// pool. All failures come back as error text.
func (e *Executor) dispatchOne(ctx context.Context, call models.ToolCall) (string, bool) {
	if tool, ok := e.registry.Get(call.Name); ok {
		if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
			return err.Error(), true
		}
		content, err := tool.Execute(ctx, call.Arguments)
		if err != nil {
			return err.Error(), true
		}
		return content, false
	}

	if e.remote != nil && e.remote.Has(call.Name) {
		content, isError, err := e.remote.Call(ctx, call.Name, call.Arguments)
		if err != nil {
			return err.Error(), true
		}
		return content, isError
	}

	return fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name), true
}

func (e *Executor) loadHistory(ctx context.Context, params RunParams) ([]provider.ChatMessage, error) {
	if e.gateway == nil || params.ConversationID == "" {
		return nil, nil
	}
	stored, err := e.gateway.GetMessagesByConversation(ctx, params.ConversationID)
	if err != nil {
		// Missing history degrades to a fresh conversation.
		e.logger.Warn("history load failed, starting fresh", "error", err)
		return nil, nil
	}
	return history.Reconstruct(stored), nil
}

func (e *Executor) toolDefinitions() []provider.ToolDefinition {
	defs := e.registry.Definitions()
	if e.remote != nil {
		defs = append(defs, e.remote.Definitions()...)
	}
	return defs
}

// persistAssistantTurn upserts the assistant message; failures log and
// never abort the stream.
func (e *Executor) persistAssistantTurn(ctx context.Context, params RunParams, assistantID string, turn turnResult, cfg ExecutorConfig) {
	if cfg.DisablePersistence || e.gateway == nil {
		return
	}
	msg := &models.Message{
		ID:             assistantID,
		ConversationID: params.ConversationID,
		Role:           models.RoleAssistant,
		Content:        turn.text,
		Reasoning:      turn.reasoning,
		TokenCount:     turn.usageIn + turn.usageOut,
		Architecture:   "tool_loop",
	}
	if len(turn.toolCalls) > 0 {
		msg.Metadata = &models.MessageMetadata{ToolCalls: turn.toolCalls}
	}
	if err := e.gateway.UpsertMessage(ctx, msg); err != nil {
		e.logger.Warn("assistant message persist failed", "error", err)
	}
}

func (e *Executor) checkpoint(ctx context.Context, params RunParams, cfg ExecutorConfig, iteration int, text string, toolCalls int) {
	if cfg.DisablePersistence || e.gateway == nil {
		return
	}
	blob, _ := json.Marshal(runCheckpoint{Iteration: iteration, Text: text, ToolCalls: toolCalls})
	if err := e.gateway.PutRunState(ctx, params.ExecutionID, blob); err != nil {
		e.logger.Warn("checkpoint write failed", "error", err)
	}
}

// finishCancelled persists partial assistant text and emits the single
// terminal cancelled event.
func (e *Executor) finishCancelled(emitter *bus.Emitter, params RunParams, assistantID, partialText string) {
	// The run context is already cancelled here; the partial write gets
	// its own deadline.
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	if partialText != "" && e.gateway != nil && !params.Config.DisablePersistence {
		msg := &models.Message{
			ID:             assistantID,
			ConversationID: params.ConversationID,
			Role:           models.RoleAssistant,
			Content:        partialText,
			Architecture:   "tool_loop",
		}
		if err := e.gateway.UpsertMessage(ctx, msg); err != nil {
			e.logger.Warn("partial message persist failed", "error", err)
		}
	}
	e.countRun("cancelled")
	emitter.EmitCancelled(assistantID)
}

// cleanup clears per-execution temp state after the terminal event.
func (e *Executor) cleanup(executionID string) {
	if e.gateway == nil {
		return
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	if err := e.gateway.DeleteRunState(ctx, executionID); err != nil {
		e.logger.Debug("run state cleanup failed", "error", err)
	}
}

func (e *Executor) countRun(outcome string) {
	if e.metrics != nil {
		e.metrics.AgentRuns.WithLabelValues(outcome).Inc()
	}
}
