package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/internal/cancel"
	"github.com/sentinel-labs/sentinel/internal/history"
	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/internal/rag"
	"github.com/sentinel-labs/sentinel/internal/storage"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

// ImageMode selects how image attachments reach the model.
type ImageMode string

const (
	// ImageModeLocalOCR extracts text host-side and injects it into the
	// prompt; the image never leaves the machine.
	ImageModeLocalOCR ImageMode = "local_ocr"

	// ImageModeModelVision forwards sanitized attachments to a
	// vision-capable model.
	ImageModeModelVision ImageMode = "model_vision"
)

// OCR extracts text from an image attachment. Collaborator concern.
type OCR interface {
	ExtractText(ctx context.Context, att models.Attachment) (string, error)
}

// ServiceConfig tunes task entry.
type ServiceConfig struct {
	DefaultModel string `yaml:"default_model"`

	// AllowImageUploadToModel gates ImageModeModelVision.
	AllowImageUploadToModel bool `yaml:"allow_image_upload_to_model"`

	ImageMode ImageMode `yaml:"image_mode"`

	RAGEnabled bool `yaml:"rag_enabled"`
}

// TaskRequest is one user task submitted by the UI shell.
type TaskRequest struct {
	ConversationID string
	Task           string

	// DisplayTask is the UI-facing subset of the task; empty uses Task.
	DisplayTask string

	Model        string
	SystemPrompt string
	Attachments  []models.Attachment

	// MessageID and ExecutionID are caller-supplied or minted fresh.
	MessageID   string
	ExecutionID string

	// DisableTools picks the pure streaming chat executor variant.
	DisableTools bool

	Executor ExecutorConfig
}

// Service is the agent entry point: it stages the task, installs the
// cancellation token, persists the user message, optionally augments the
// prompt, and spawns the executor.
type Service struct {
	config    ServiceConfig
	executor  *Executor
	gateway   storage.Gateway
	bus       *bus.Bus
	cancels   *cancel.Registry
	augmenter *rag.Augmenter
	ocr       OCR
	logger    *slog.Logger

	// Process-global tool policy, loaded lazily from persistence and
	// overridable per request.
	toolCfgOnce  sync.Once
	toolsAllowed bool
}

// NewService wires the entry point. augmenter and ocr may be nil.
func NewService(cfg ServiceConfig, executor *Executor, gateway storage.Gateway, eventBus *bus.Bus, cancels *cancel.Registry, augmenter *rag.Augmenter, ocr OCR, logger *slog.Logger) *Service {
	if cancels == nil {
		cancels = cancel.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:    cfg,
		executor:  executor,
		gateway:   gateway,
		bus:       eventBus,
		cancels:   cancels,
		augmenter: augmenter,
		ocr:       ocr,
		logger:    logger.With("component", "agent"),
	}
}

// SubmitTask stages and spawns an execution, returning the assistant
// message id immediately so the UI can follow events. Non-blocking.
func (s *Service) SubmitTask(ctx context.Context, req TaskRequest) (string, error) {
	if s.executor == nil || s.executor.client == nil {
		return "", fmt.Errorf("%w: no streaming client configured", ErrConfiguration)
	}
	model := req.Model
	if model == "" {
		model = s.config.DefaultModel
	}
	if model == "" {
		return "", fmt.Errorf("%w: no default model configured", ErrConfiguration)
	}

	executionID := req.ExecutionID
	if executionID == "" {
		// Conversation-scoped ids let a conversation clear purge the
		// matching run-state rows by prefix.
		if req.ConversationID != "" {
			executionID = req.ConversationID + ":" + uuid.New().String()
		} else {
			executionID = uuid.New().String()
		}
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	token := s.cancels.Create(executionID)

	task, attachments, err := s.stageAttachments(ctx, req)
	if err != nil {
		s.cancels.Remove(executionID)
		return "", err
	}

	s.persistUserMessage(ctx, req, task)

	emitter := bus.NewEmitter(s.bus, token, executionID, req.ConversationID)
	emitter.Emit(bus.EventUserMessage, messageID, map[string]any{
		"conversation_id": req.ConversationID,
		"content":         displayContent(req),
	})

	systemPrompt := req.SystemPrompt
	if s.config.RAGEnabled && s.augmenter != nil {
		systemPrompt = s.augment(ctx, emitter, messageID, systemPrompt, task, req)
	}

	params := RunParams{
		ExecutionID:    executionID,
		ConversationID: req.ConversationID,
		MessageID:      messageID,
		Model:          model,
		SystemPrompt:   systemPrompt,
		Task:           task,
		Attachments:    attachments,
		DisableTools:   req.DisableTools || !s.toolsEnabled(ctx),
		Config:         req.Executor,
	}

	go func() {
		guard := s.cancels.Guard(executionID)
		defer guard.Release()
		s.executor.Run(context.Background(), token, params)
	}()

	return messageID, nil
}

// Cancel flips the execution's token. Idempotent; completed executions
// are a no-op.
func (s *Service) Cancel(executionID string) bool {
	return s.cancels.Cancel(executionID)
}

// stageAttachments applies the image policy: local OCR inlines extracted
// text into the task; model vision forwards sanitized descriptors when
// the config allows uploads.
func (s *Service) stageAttachments(ctx context.Context, req TaskRequest) (string, []models.Attachment, error) {
	task := req.Task
	if len(req.Attachments) == 0 {
		return task, nil, nil
	}

	mode := s.config.ImageMode
	if mode == "" {
		mode = ImageModeLocalOCR
	}

	if mode == ImageModeModelVision {
		if !s.config.AllowImageUploadToModel {
			return "", nil, fmt.Errorf("%w: image upload to model is disabled", ErrConfiguration)
		}
		sanitized := make([]models.Attachment, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			att.SourcePath = ""
			sanitized = append(sanitized, att)
		}
		return task, sanitized, nil
	}

	if s.ocr == nil {
		s.logger.Warn("attachments present but no OCR configured, ignoring")
		return task, nil, nil
	}
	for i, att := range req.Attachments {
		text, err := s.ocr.ExtractText(ctx, att)
		if err != nil {
			s.logger.Warn("ocr failed for attachment", "index", i, "error", err)
			continue
		}
		task += fmt.Sprintf("\n\n[Attached image %d text]\n%s", i+1, text)
	}
	return task, nil, nil
}

func (s *Service) persistUserMessage(ctx context.Context, req TaskRequest, task string) {
	if s.gateway == nil || req.ConversationID == "" {
		return
	}
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           models.RoleUser,
		Content:        task,
		DisplayContent: displayContent(req),
		CreatedAt:      time.Now(),
	}
	if err := s.gateway.AppendMessage(ctx, msg); err != nil {
		s.logger.Warn("user message persist failed", "error", err)
	}
}

// augment runs the RAG pipeline and reports applied citations.
func (s *Service) augment(ctx context.Context, emitter *bus.Emitter, messageID, systemPrompt, task string, req TaskRequest) string {
	var turns []provider.ChatMessage
	if s.gateway != nil && req.ConversationID != "" {
		if stored, err := s.gateway.GetMessagesByConversation(ctx, req.ConversationID); err == nil {
			turns = history.Reconstruct(stored)
		}
	}

	result := s.augmenter.Augment(ctx, systemPrompt, task, turns, rag.DefaultOptions())
	if !result.Applied {
		return systemPrompt
	}
	emitter.Emit(bus.EventMetaInfo, messageID, map[string]any{
		"rag_applied": true,
		"query":       result.Query,
		"citations":   result.Citations,
	})
	return result.SystemPrompt
}

// toolsEnabled reads the persisted global tool switch on first use.
// Absent or unreadable config defaults to enabled.
func (s *Service) toolsEnabled(ctx context.Context) bool {
	s.toolCfgOnce.Do(func() {
		s.toolsAllowed = true
		if s.gateway == nil {
			return
		}
		value, err := s.gateway.GetConfig(ctx, "tools", "enabled")
		if err != nil {
			return
		}
		if enabled, err := strconv.ParseBool(value); err == nil {
			s.toolsAllowed = enabled
		}
	})
	return s.toolsAllowed
}

func displayContent(req TaskRequest) string {
	if req.DisplayTask != "" {
		return req.DisplayTask
	}
	return req.Task
}
