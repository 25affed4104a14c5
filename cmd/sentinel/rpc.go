package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinel-labs/sentinel/internal/agent"
	"github.com/sentinel-labs/sentinel/internal/bus"
)

// controlServer is the local RPC surface the UI shell calls: task
// submission, cancellation, the event stream, and metrics. Loopback
// only.
type controlServer struct {
	agents   *agent.Service
	eventBus *bus.Bus
	logger   *slog.Logger
}

func newControlServer(agents *agent.Service, eventBus *bus.Bus, logger *slog.Logger) *controlServer {
	return &controlServer{agents: agents, eventBus: eventBus, logger: logger}
}

func (s *controlServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("POST /v1/tasks/{execution_id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type submitTaskRequest struct {
	ConversationID string `json:"conversation_id"`
	Task           string `json:"task"`
	DisplayTask    string `json:"display_task,omitempty"`
	Model          string `json:"model,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	ExecutionID    string `json:"execution_id,omitempty"`
	DisableTools   bool   `json:"disable_tools,omitempty"`
}

func (s *controlServer) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}

	messageID, err := s.agents.SubmitTask(r.Context(), agent.TaskRequest{
		ConversationID: req.ConversationID,
		Task:           req.Task,
		DisplayTask:    req.DisplayTask,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		ExecutionID:    req.ExecutionID,
		DisableTools:   req.DisableTools,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message_id": messageID})
}

func (s *controlServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")
	cancelled := s.agents.Cancel(executionID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

// handleEvents streams the bus to the observer as server-sent events.
func (s *controlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-s.eventBus.Events():
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, payload)
			flusher.Flush()
		}
	}
}
