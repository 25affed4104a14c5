package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/internal/cancel"
	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/internal/storage"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

// scriptedTurn is one fake provider turn.
type scriptedTurn struct {
	chunks    []provider.StreamContent
	finalText string
	err       error
}

// fakeClient plays back scripted turns.
type fakeClient struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int

	// onChunkHook runs between chunks, for cancellation tests.
	onChunkHook func(chunkIndex int)
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) StreamChat(ctx context.Context, req *provider.ChatRequest, onChunk provider.OnChunk) (string, error) {
	f.mu.Lock()
	turnIndex := f.calls
	f.calls++
	f.mu.Unlock()

	if turnIndex >= len(f.turns) {
		return "", fmt.Errorf("no scripted turn %d", turnIndex)
	}
	turn := f.turns[turnIndex]
	if turn.err != nil {
		return "", turn.err
	}
	for i, chunk := range turn.chunks {
		if f.onChunkHook != nil {
			f.onChunkHook(i)
		}
		if onChunk != nil && !onChunk(chunk) {
			return turn.finalText, nil
		}
	}
	return turn.finalText, nil
}

func textChunk(text string) provider.StreamContent {
	return provider.StreamContent{Kind: provider.StreamText, Text: text}
}

func doneChunks() []provider.StreamContent {
	return []provider.StreamContent{
		{Kind: provider.StreamUsage, InputTokens: 10, OutputTokens: 5},
		{Kind: provider.StreamDone},
	}
}

// calcTool is the classic test tool.
type calcTool struct{}

func (calcTool) Name() string        { return "calc" }
func (calcTool) Description() string { return "Evaluates arithmetic expressions" }
func (calcTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"expr":{"type":"string"}},"required":["expr"]}`)
}
func (calcTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var input struct {
		Expr string `json:"expr"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return "", err
	}
	if input.Expr == "2+2" {
		return "4", nil
	}
	return "", fmt.Errorf("unsupported expression %q", input.Expr)
}

type testRun struct {
	executor *Executor
	bus      *bus.Bus
	gateway  *storage.MemoryGateway
	cancels  *cancel.Registry
}

func newTestRun(t *testing.T, client provider.StreamingClient, tools ...Tool) *testRun {
	t.Helper()
	eventBus := bus.New(512, nil)
	gateway := storage.NewMemoryGateway()
	require.NoError(t, gateway.CreateConversation(context.Background(), &models.Conversation{ID: "conv-1"}))

	registry := NewToolRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}

	return &testRun{
		executor: NewExecutor(client, registry, nil, gateway, eventBus, nil, nil),
		bus:      eventBus,
		gateway:  gateway,
		cancels:  cancel.NewRegistry(nil),
	}
}

func (tr *testRun) run(t *testing.T, params RunParams) []bus.Event {
	t.Helper()
	token := tr.cancels.Create(params.ExecutionID)
	tr.executor.Run(context.Background(), token, params)
	return tr.drain()
}

func (tr *testRun) drain() []bus.Event {
	var events []bus.Event
	for {
		select {
		case e := <-tr.bus.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func names(events []bus.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func defaultParams() RunParams {
	cfg := DefaultExecutorConfig()
	return RunParams{
		ExecutionID:    "exec-1",
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Model:          "test-model",
		Task:           "Say hi",
		Config:         cfg,
	}
}

func TestHappyPathChat(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{{
		chunks:    append([]provider.StreamContent{textChunk("Hello"), textChunk(" there")}, doneChunks()...),
		finalText: "Hello there",
	}}}
	tr := newTestRun(t, client)

	events := tr.run(t, defaultParams())
	got := names(events)

	// stream chunks (content, content, final meta), saved, complete.
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, bus.EventStreamChunk, got[0])
	assert.Equal(t, bus.EventStreamChunk, got[1])

	var finals, completes int
	var completeSuccess bool
	for _, e := range events {
		switch e.Name {
		case bus.EventStreamChunk:
			if final, _ := e.Payload["is_final"].(bool); final {
				finals++
				assert.Equal(t, "meta", e.Payload["chunk_type"])
			}
		case bus.EventComplete:
			completes++
			completeSuccess, _ = e.Payload["success"].(bool)
		}
	}
	assert.Equal(t, 1, finals, "exactly one final chunk, emitted last in its stream")
	assert.Equal(t, 1, completes, "exactly one terminal event")
	assert.True(t, completeSuccess)
	assert.Equal(t, bus.EventComplete, got[len(got)-1])

	// The assistant message was persisted.
	msgs, err := tr.gateway.GetMessagesByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello there", msgs[0].Content)
}

func TestToolCallRoundTrip(t *testing.T) {
	args := json.RawMessage(`{"expr":"2+2"}`)
	client := &fakeClient{turns: []scriptedTurn{
		{
			chunks: append([]provider.StreamContent{
				{Kind: provider.StreamToolCallStart, ToolCallID: "call-1", ToolName: "calc"},
				{Kind: provider.StreamToolCallDelta, ToolCallID: "call-1", Delta: string(args)},
				{Kind: provider.StreamToolCallComplete, ToolCallID: "call-1", ToolName: "calc", Arguments: args},
			}, doneChunks()...),
		},
		{
			chunks:    append([]provider.StreamContent{textChunk("The answer is 4")}, doneChunks()...),
			finalText: "The answer is 4",
		},
	}}
	tr := newTestRun(t, client, calcTool{})

	events := tr.run(t, defaultParams())

	var order []string
	var toolResult string
	for _, e := range events {
		switch e.Name {
		case bus.EventToolCallStart, bus.EventToolCallComplete, bus.EventToolResult, bus.EventComplete:
			order = append(order, e.Name)
			if e.Name == bus.EventToolResult {
				toolResult, _ = e.Payload["result"].(string)
			}
		}
	}
	assert.Equal(t, []string{
		bus.EventToolCallStart,
		bus.EventToolCallComplete,
		bus.EventToolResult,
		bus.EventComplete,
	}, order)
	assert.Equal(t, "4", toolResult)

	// A synthetic tool message was persisted with the pairing metadata.
	msgs, _ := tr.gateway.GetMessagesByConversation(context.Background(), "conv-1")
	var toolMsg *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call-1", toolMsg.Metadata.ToolCallID)
	assert.Equal(t, "4", toolMsg.Metadata.ToolResult)
}

func TestMidStreamCancel(t *testing.T) {
	tr := (*testRun)(nil)
	client := &fakeClient{}
	client.turns = []scriptedTurn{{
		chunks: append([]provider.StreamContent{
			textChunk("one "), textChunk("two "), textChunk("three "),
			textChunk("four "), textChunk("five "),
		}, doneChunks()...),
		finalText: "one two three four five",
	}}
	client.onChunkHook = func(i int) {
		if i == 3 {
			tr.cancels.Cancel("exec-1")
		}
	}
	tr = newTestRun(t, client)

	events := tr.run(t, defaultParams())

	var chunkCount, cancelled, completes int
	for _, e := range events {
		switch e.Name {
		case bus.EventStreamChunk:
			chunkCount++
		case bus.EventCancelled:
			cancelled++
		case bus.EventComplete, bus.EventError:
			completes++
		}
	}
	assert.Equal(t, 3, chunkCount, "exactly the chunks before cancellation")
	assert.Equal(t, 1, cancelled, "single terminal cancelled event")
	assert.Zero(t, completes, "no complete after cancel")

	// Partial text was persisted.
	msgs, _ := tr.gateway.GetMessagesByConversation(context.Background(), "conv-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "one two three ", msgs[0].Content)
}

func TestIterationCapReportsFailure(t *testing.T) {
	args := json.RawMessage(`{"expr":"2+2"}`)
	// Every turn asks for another tool call; the loop must hit the cap.
	turn := scriptedTurn{chunks: append([]provider.StreamContent{
		{Kind: provider.StreamToolCallComplete, ToolCallID: "call-x", ToolName: "calc", Arguments: args},
	}, doneChunks()...)}
	client := &fakeClient{turns: []scriptedTurn{turn, turn, turn, turn}}

	tr := newTestRun(t, client, calcTool{})
	params := defaultParams()
	params.Config.MaxIterations = 3

	events := tr.run(t, params)
	last := events[len(events)-1]
	assert.Equal(t, bus.EventComplete, last.Name)
	success, _ := last.Payload["success"].(bool)
	assert.False(t, success)
	assert.Contains(t, last.Payload["reason"], "max iterations")
}

func TestProviderErrorAbortsWithErrorEvent(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{{err: errors.New("model overloaded")}}}
	tr := newTestRun(t, client)

	events := tr.run(t, defaultParams())
	last := events[len(events)-1]
	assert.Equal(t, bus.EventError, last.Name)
	assert.Contains(t, last.Payload["message"], "model overloaded")
}

func TestToolFailureIsNonFatal(t *testing.T) {
	badArgs := json.RawMessage(`{"expr":"1/0"}`)
	client := &fakeClient{turns: []scriptedTurn{
		{chunks: append([]provider.StreamContent{
			{Kind: provider.StreamToolCallComplete, ToolCallID: "call-1", ToolName: "calc", Arguments: badArgs},
		}, doneChunks()...)},
		{chunks: append([]provider.StreamContent{textChunk("could not compute")}, doneChunks()...), finalText: "could not compute"},
	}}
	tr := newTestRun(t, client, calcTool{})

	events := tr.run(t, defaultParams())

	var sawErrorResult bool
	for _, e := range events {
		if e.Name == bus.EventToolResult {
			isErr, _ := e.Payload["is_error"].(bool)
			sawErrorResult = isErr
		}
	}
	assert.True(t, sawErrorResult, "tool error fed back as result")
	assert.Equal(t, bus.EventComplete, events[len(events)-1].Name, "run still completes")
	success, _ := events[len(events)-1].Payload["success"].(bool)
	assert.True(t, success)
}

func TestSchemaValidationRejectsBadArguments(t *testing.T) {
	// "expr" is required; send something else.
	badArgs := json.RawMessage(`{"expression":"2+2"}`)
	client := &fakeClient{turns: []scriptedTurn{
		{chunks: append([]provider.StreamContent{
			{Kind: provider.StreamToolCallComplete, ToolCallID: "call-1", ToolName: "calc", Arguments: badArgs},
		}, doneChunks()...)},
		{chunks: doneChunks(), finalText: "ok"},
	}}
	tr := newTestRun(t, client, calcTool{})

	events := tr.run(t, defaultParams())
	var resultPayload map[string]any
	for _, e := range events {
		if e.Name == bus.EventToolResult {
			resultPayload = e.Payload
		}
	}
	require.NotNil(t, resultPayload)
	isErr, _ := resultPayload["is_error"].(bool)
	assert.True(t, isErr)
	assert.Contains(t, resultPayload["result"], "validation")
}

func TestUnknownToolYieldsErrorResult(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{chunks: append([]provider.StreamContent{
			{Kind: provider.StreamToolCallComplete, ToolCallID: "call-1", ToolName: "teleport", Arguments: json.RawMessage(`{}`)},
		}, doneChunks()...)},
		{chunks: doneChunks(), finalText: "done"},
	}}
	tr := newTestRun(t, client)

	events := tr.run(t, defaultParams())
	var result string
	for _, e := range events {
		if e.Name == bus.EventToolResult {
			result, _ = e.Payload["result"].(string)
		}
	}
	assert.Contains(t, result, "tool not found")
}

func TestRunStateCheckpointClearedAtExit(t *testing.T) {
	args := json.RawMessage(`{"expr":"2+2"}`)
	client := &fakeClient{turns: []scriptedTurn{
		{chunks: append([]provider.StreamContent{
			{Kind: provider.StreamToolCallComplete, ToolCallID: "c1", ToolName: "calc", Arguments: args},
		}, doneChunks()...)},
		{chunks: doneChunks(), finalText: "done"},
	}}
	tr := newTestRun(t, client, calcTool{})

	tr.run(t, defaultParams())

	_, err := tr.gateway.GetRunState(context.Background(), "exec-1")
	assert.Error(t, err, "checkpoint cleared after terminal event")
}

func TestWallClockTimeout(t *testing.T) {
	slowTurn := scriptedTurn{chunks: append([]provider.StreamContent{
		{Kind: provider.StreamToolCallComplete, ToolCallID: "c1", ToolName: "calc", Arguments: json.RawMessage(`{"expr":"2+2"}`)},
	}, doneChunks()...)}
	client := &fakeClient{turns: []scriptedTurn{slowTurn, slowTurn, slowTurn}}
	client.onChunkHook = func(int) { time.Sleep(30 * time.Millisecond) }

	tr := newTestRun(t, client, calcTool{})
	params := defaultParams()
	params.Config.Timeout = 50 * time.Millisecond
	params.Config.MaxIterations = 100

	events := tr.run(t, params)
	last := events[len(events)-1]
	require.Equal(t, bus.EventComplete, last.Name)
	success, _ := last.Payload["success"].(bool)
	assert.False(t, success)
}

func TestExecutorPanicBecomesErrorEvent(t *testing.T) {
	client := &fakeClient{}
	client.turns = []scriptedTurn{{chunks: []provider.StreamContent{textChunk("x")}}}
	tr := newTestRun(t, client)

	// A nil registry entry cannot happen through the API; panic via hook.
	client.onChunkHook = func(int) { panic("synthetic worker panic") }

	events := tr.run(t, defaultParams())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, bus.EventError, last.Name)
	assert.Contains(t, last.Payload["message"], "internal failure")
}
