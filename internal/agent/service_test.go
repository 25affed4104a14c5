package agent

import (
	"context"
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

func newTestService(t *testing.T, client provider.StreamingClient) (*Service, *bus.Bus, *storage.MemoryGateway, *cancel.Registry) {
	t.Helper()
	eventBus := bus.New(512, nil)
	gateway := storage.NewMemoryGateway()
	require.NoError(t, gateway.CreateConversation(context.Background(), &models.Conversation{ID: "conv-1"}))
	cancels := cancel.NewRegistry(nil)

	executor := NewExecutor(client, NewToolRegistry(), nil, gateway, eventBus, nil, nil)
	service := NewService(ServiceConfig{DefaultModel: "test-model"}, executor, gateway, eventBus, cancels, nil, nil, nil)
	return service, eventBus, gateway, cancels
}

func collectUntilTerminal(t *testing.T, eventBus *bus.Bus) []bus.Event {
	t.Helper()
	var events []bus.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-eventBus.Events():
			events = append(events, e)
			switch e.Name {
			case bus.EventComplete, bus.EventError, bus.EventCancelled:
				return events
			}
		case <-deadline:
			t.Fatalf("no terminal event; saw %v", names(events))
		}
	}
}

func TestSubmitTaskHappyPath(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{{
		chunks:    append([]provider.StreamContent{textChunk("Hi!")}, doneChunks()...),
		finalText: "Hi!",
	}}}
	service, eventBus, gateway, _ := newTestService(t, client)

	messageID, err := service.SubmitTask(context.Background(), TaskRequest{
		ConversationID: "conv-1",
		Task:           "Say hi",
	})
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	events := collectUntilTerminal(t, eventBus)
	assert.Equal(t, bus.EventUserMessage, events[0].Name, "user message event leads")
	assert.Equal(t, bus.EventComplete, events[len(events)-1].Name)

	msgs, err := gateway.GetMessagesByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2, "user and assistant messages persisted")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestSubmitTaskRequiresModel(t *testing.T) {
	client := &fakeClient{}
	eventBus := bus.New(16, nil)
	executor := NewExecutor(client, nil, nil, nil, eventBus, nil, nil)
	service := NewService(ServiceConfig{}, executor, nil, eventBus, cancel.NewRegistry(nil), nil, nil, nil)

	_, err := service.SubmitTask(context.Background(), TaskRequest{Task: "x"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSubmitTaskDisplayContent(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{{chunks: doneChunks(), finalText: "ok"}}}
	service, eventBus, gateway, _ := newTestService(t, client)

	_, err := service.SubmitTask(context.Background(), TaskRequest{
		ConversationID: "conv-1",
		Task:           "full prompt with boilerplate",
		DisplayTask:    "short form",
	})
	require.NoError(t, err)
	collectUntilTerminal(t, eventBus)

	msgs, _ := gateway.GetMessagesByConversation(context.Background(), "conv-1")
	require.NotEmpty(t, msgs)
	assert.Equal(t, "full prompt with boilerplate", msgs[0].Content)
	assert.Equal(t, "short form", msgs[0].DisplayContent)
}

func TestSubmitTaskVisionGate(t *testing.T) {
	client := &fakeClient{}
	eventBus := bus.New(16, nil)
	executor := NewExecutor(client, nil, nil, nil, eventBus, nil, nil)
	service := NewService(ServiceConfig{
		DefaultModel:            "m",
		ImageMode:               ImageModeModelVision,
		AllowImageUploadToModel: false,
	}, executor, nil, eventBus, cancel.NewRegistry(nil), nil, nil, nil)

	_, err := service.SubmitTask(context.Background(), TaskRequest{
		Task:        "describe",
		Attachments: []models.Attachment{{Type: "image", Data: "abc", SourcePath: "/tmp/x.png"}},
	})
	assert.ErrorIs(t, err, ErrConfiguration, "vision uploads are gated by config")
}

func TestSubmitTaskSanitizesAttachments(t *testing.T) {
	var captured []models.Attachment
	client := &fakeClient{turns: []scriptedTurn{{chunks: doneChunks(), finalText: "ok"}}}
	service, eventBus, _, _ := newTestService(t, client)
	service.config.ImageMode = ImageModeModelVision
	service.config.AllowImageUploadToModel = true

	// Inspect attachments as the executor receives them.
	service.executor.client = &captureClient{inner: client, onRequest: func(req *provider.ChatRequest) {
		for _, m := range req.Messages {
			captured = append(captured, m.Attachments...)
		}
	}}

	_, err := service.SubmitTask(context.Background(), TaskRequest{
		ConversationID: "conv-1",
		Task:           "describe",
		Attachments:    []models.Attachment{{Type: "image", Data: "abc", SourcePath: "/tmp/x.png"}},
	})
	require.NoError(t, err)
	collectUntilTerminal(t, eventBus)

	require.NotEmpty(t, captured)
	assert.Empty(t, captured[0].SourcePath, "source path stripped before the model sees it")
	assert.Equal(t, "abc", captured[0].Data)
}

// captureClient observes requests on their way to the inner client.
type captureClient struct {
	inner     provider.StreamingClient
	onRequest func(*provider.ChatRequest)
}

func (c *captureClient) Name() string { return c.inner.Name() }
func (c *captureClient) StreamChat(ctx context.Context, req *provider.ChatRequest, onChunk provider.OnChunk) (string, error) {
	if c.onRequest != nil {
		c.onRequest(req)
	}
	return c.inner.StreamChat(ctx, req, onChunk)
}

func TestCancelIdempotentAfterCompletion(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{{chunks: doneChunks(), finalText: "ok"}}}
	service, eventBus, _, cancels := newTestService(t, client)

	_, err := service.SubmitTask(context.Background(), TaskRequest{
		ConversationID: "conv-1",
		Task:           "quick",
		ExecutionID:    "exec-done",
	})
	require.NoError(t, err)
	collectUntilTerminal(t, eventBus)

	// Give the guard a beat to release the token.
	require.Eventually(t, func() bool { return cancels.Len() == 0 }, time.Second, 10*time.Millisecond)

	assert.False(t, service.Cancel("exec-done"), "cancel after completion is a no-op")
	assert.Empty(t, drainBus(eventBus), "no duplicate terminal events")
}

func drainBus(b *bus.Bus) []bus.Event {
	var events []bus.Event
	for {
		select {
		case e := <-b.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestPlainStreamingVariantSkipsTools(t *testing.T) {
	var sawTools bool
	inner := &fakeClient{turns: []scriptedTurn{{chunks: doneChunks(), finalText: "ok"}}}
	service, eventBus, _, _ := newTestService(t, inner)
	require.NoError(t, service.executor.registry.Register(calcTool{}))
	service.executor.client = &captureClient{inner: inner, onRequest: func(req *provider.ChatRequest) {
		sawTools = len(req.Tools) > 0
	}}

	_, err := service.SubmitTask(context.Background(), TaskRequest{
		ConversationID: "conv-1",
		Task:           "just chat",
		DisableTools:   true,
	})
	require.NoError(t, err)
	collectUntilTerminal(t, eventBus)
	assert.False(t, sawTools, "pure streaming variant sends no tool definitions")
}

func TestGlobalToolPolicyDisablesTools(t *testing.T) {
	var sawTools bool
	inner := &fakeClient{turns: []scriptedTurn{{chunks: doneChunks(), finalText: "ok"}}}
	service, eventBus, gateway, _ := newTestService(t, inner)
	require.NoError(t, service.executor.registry.Register(calcTool{}))
	require.NoError(t, gateway.SetConfig(context.Background(), "tools", "enabled", "false"))
	service.executor.client = &captureClient{inner: inner, onRequest: func(req *provider.ChatRequest) {
		sawTools = len(req.Tools) > 0
	}}

	_, err := service.SubmitTask(context.Background(), TaskRequest{
		ConversationID: "conv-1",
		Task:           "chat",
	})
	require.NoError(t, err)
	collectUntilTerminal(t, eventBus)
	assert.False(t, sawTools, "persisted tool policy disables dispatch")
}
