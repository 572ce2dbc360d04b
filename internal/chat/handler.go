package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/callidora/calli/pkg/memory"
)

// LivenessText is served at GET /.
const LivenessText = "Callidora Concierge - Calli AI is running."

// maxBodyBytes caps the size of a chat request body.
const maxBodyBytes = 1 << 20

// Replier answers chat requests. *Service satisfies it.
type Replier interface {
	Reply(ctx context.Context, req Request) (Response, error)
}

// chatRequest is the JSON body of POST /chat. The legacy "user" and "name"
// fields are accepted as aliases for userId and userName.
type chatRequest struct {
	Message  string        `json:"message" validate:"required,max=8000"`
	UserID   string        `json:"userId" validate:"max=256"`
	UserName string        `json:"userName" validate:"max=256"`
	User     string        `json:"user" validate:"max=256"`
	Name     string        `json:"name" validate:"max=256"`
	History  []historyTurn `json:"history" validate:"max=200,dive"`
}

type historyTurn struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content"`
}

func (r chatRequest) toRequest() Request {
	req := Request{
		UserID:   firstNonEmpty(r.UserID, r.User),
		UserName: firstNonEmpty(r.UserName, r.Name),
		Message:  r.Message,
	}
	for _, t := range r.History {
		req.History = append(req.History, memory.Turn{Role: t.Role, Content: t.Content})
	}
	return req
}

type replyBody struct {
	Reply string `json:"reply"`
}

type errorBody struct {
	Error string `json:"error"`
	Reply string `json:"reply,omitempty"`
}

// Handler serves the chat HTTP API.
type Handler struct {
	svc      Replier
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a [Handler] answering with svc.
func NewHandler(svc Replier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{svc: svc, validate: v, logger: logger}
}

// Register mounts the chat routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.Liveness)
	r.Post("/chat", h.Chat)
	r.Post("/api/chat", h.Chat)
}

// Liveness writes [LivenessText].
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, LivenessText)
}

// Chat handles POST /chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	body.Message = strings.TrimSpace(body.Message)

	if err := h.validate.Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: validationMessage(err)})
		return
	}

	resp, err := h.svc.Reply(r.Context(), body.toRequest())
	switch {
	case errors.Is(err, ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "message is required"})
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "chat: reply failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: "failed to generate a reply",
			Reply: ErrorReply,
		})
		return
	}
	writeJSON(w, http.StatusOK, replyBody{Reply: resp.Reply})
}

// validationMessage renders the first validation failure for the client.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s is too long (max %s)", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
