// Package devserver serves the conversation store and completion endpoints
// over HTTP for local runs. Replies come from a deterministic responder
// instead of an AI service.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pmchat/internal/devstore"
	"pmchat/internal/domain"
	"pmchat/internal/identity"
	"pmchat/internal/metrics"
	"pmchat/internal/remote"
)

const maxBodyBytes = 64 << 20

// Config configures a Server.
type Config struct {
	Store             *devstore.SQLiteStore
	Host              string
	Port              int
	HistoryPath       string // default remote.DefaultHistoryPath
	ConversationsPath string // default remote.DefaultConversationsPath
	Endpoints         map[domain.AgentRole]string
	AuthToken         string // when set, requests must carry it as a bearer token
	Reply             string // fixed reply; empty echoes the user's text
	ChunkSize         int    // runes per streamed chunk
	ChunkDelay        time.Duration
	Logger            *slog.Logger
}

// Server is the development conversation server.
type Server struct {
	store             *devstore.SQLiteStore
	addr              string
	historyPath       string
	conversationsPath string
	endpoints         map[domain.AgentRole]string
	authToken         string
	reply             string
	chunkSize         int
	chunkDelay        time.Duration
	logger            *slog.Logger
	server            *http.Server
}

func New(cfg Config) *Server {
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = remote.DefaultHistoryPath
	}
	if cfg.ConversationsPath == "" {
		cfg.ConversationsPath = remote.DefaultConversationsPath
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = remote.DefaultEndpoints()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:             cfg.Store,
		addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		historyPath:       cfg.HistoryPath,
		conversationsPath: cfg.ConversationsPath,
		endpoints:         cfg.Endpoints,
		authToken:         cfg.AuthToken,
		reply:             cfg.Reply,
		chunkSize:         cfg.ChunkSize,
		chunkDelay:        cfg.ChunkDelay,
		logger:            cfg.Logger,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.historyPath, s.requireAuth(s.handleHistory))
	mux.HandleFunc("PUT "+s.conversationsPath, s.requireAuth(s.handleUpsert))
	mux.HandleFunc("GET "+s.conversationsPath, s.requireAuth(s.handleList))
	mux.HandleFunc("DELETE "+s.conversationsPath, s.requireAuth(s.handleDelete))
	for role, path := range s.endpoints {
		mux.HandleFunc("POST "+path, s.requireAuth(s.handleChat(role)))
	}
	mux.HandleFunc("GET /metrics", s.requireAuth(metrics.Collector.Handler()))
	mux.HandleFunc("GET /status", s.handleStatus) // public endpoint
	return mux
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("dev server started", "addr", "http://"+s.addr, "auth", s.authToken != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.authToken == "" {
		return next
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleHistory(rw http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(rw, "missing id", http.StatusBadRequest)
		return
	}

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.serverError(rw, "history lookup failed", err)
		return
	}
	if conv == nil {
		http.NotFound(rw, r)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.serverError(rw, "history read failed", err)
		return
	}

	writeJSON(rw, http.StatusOK, remote.HistoryResponse{
		Messages:     msgs,
		Conversation: &remote.WireConversation{Title: conv.Title},
	})
}

func (s *Server) handleUpsert(rw http.ResponseWriter, r *http.Request) {
	var req remote.UpsertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(rw, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.AgentRole == "" {
		http.Error(rw, "id and agent_role are required", http.StatusBadRequest)
		return
	}

	err := s.store.UpsertConversation(r.Context(), devstore.Conversation{
		ID:        req.ID,
		AgentRole: req.AgentRole,
		ProjectID: req.ProjectID,
		Title:     req.Title,
	})
	if err != nil {
		s.serverError(rw, "upsert failed", err)
		return
	}
	s.logger.Debug("conversation upserted", "id", req.ID, "role", req.AgentRole)
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(rw http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	convs, err := s.store.ListConversations(r.Context(), limit)
	if err != nil {
		s.serverError(rw, "list failed", err)
		return
	}
	out := make([]remote.UpsertRequest, 0, len(convs))
	for _, c := range convs {
		out = append(out, remote.UpsertRequest{ID: c.ID, AgentRole: c.AgentRole, ProjectID: c.ProjectID, Title: c.Title})
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) handleDelete(rw http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(rw, "missing id", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.serverError(rw, "delete failed", err)
		return
	}
	s.logger.Info("conversation deleted", "id", id)
	rw.WriteHeader(http.StatusNoContent)
}

// handleChat persists the user message (once per message id), streams the
// reply and persists it when the stream completes. A retried message id gets
// a reply but no second assistant turn.
func (s *Server) handleChat(role domain.AgentRole) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var body remote.ChatBody
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
			http.Error(rw, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.ID == "" || body.Message.ID == "" {
			http.Error(rw, "id and message.id are required", http.StatusBadRequest)
			return
		}

		if err := s.ensureConversation(ctx, body, role); err != nil {
			s.serverError(rw, "conversation lookup failed", err)
			return
		}

		meta := devstore.MessageMeta{Model: body.Model, WebSearch: body.WebSearch}
		inserted, err := s.store.AddMessage(ctx, body.ID, body.Message, meta)
		if err != nil {
			s.serverError(rw, "persist user message failed", err)
			return
		}
		prompt := remote.FromWire(body.Message).Text()
		if inserted && body.Message.Role == string(domain.MessageUser) {
			if err := s.store.SetTitleIfEmpty(ctx, body.ID, generateTitle(prompt)); err != nil {
				s.logger.Warn("failed to set conversation title", "id", body.ID, "err", err)
			}
		}

		metrics.Collector.Counter("pmchat_devserver_chats_total", "Chat requests served by the dev server.", `role="`+string(role)+`"`).Inc()
		reply := s.respond(role, prompt, body.Message)
		if !s.stream(ctx, rw, reply) {
			s.logger.Info("client went away mid-stream", "id", body.ID)
			return
		}

		if !inserted {
			s.logger.Debug("retried message, reply not persisted", "id", body.ID, "message", body.Message.ID)
			return
		}

		assistant := remote.ToWire(domain.Message{
			ID:    uuid.NewString(),
			Role:  domain.MessageAssistant,
			Parts: []domain.Part{domain.TextPart(reply)},
		})
		// The request context may end as soon as the body is flushed.
		if _, err := s.store.AddMessage(context.WithoutCancel(ctx), body.ID, assistant, meta); err != nil {
			s.logger.Warn("persist assistant message failed", "id", body.ID, "err", err)
		}
	}
}

// ensureConversation creates the conversation when a chat arrives before any
// upsert, deriving its project from the key.
func (s *Server) ensureConversation(ctx context.Context, body remote.ChatBody, role domain.AgentRole) error {
	conv, err := s.store.GetConversation(ctx, body.ID)
	if err != nil || conv != nil {
		return err
	}
	projectID := body.ProjectID
	if scope, ok := identity.ParseKey(domain.ConversationKey(body.ID)); ok && projectID == nil {
		projectID = scope.ProjectID
	}
	return s.store.UpsertConversation(ctx, devstore.Conversation{ID: body.ID, AgentRole: string(role), ProjectID: projectID})
}

// respond is the deterministic stand-in for the AI service.
func (s *Server) respond(role domain.AgentRole, prompt string, msg remote.WireMessage) string {
	if s.reply != "" {
		return s.reply
	}
	var files []string
	for _, p := range msg.Parts {
		if p.Type == string(domain.PartFile) {
			files = append(files, p.Filename)
		}
	}
	reply := fmt.Sprintf("[%s] %s", role, strings.TrimSpace(prompt))
	if len(files) > 0 {
		reply += fmt.Sprintf(" (attachments: %s)", strings.Join(files, ", "))
	}
	return reply
}

// stream writes text in chunks of s.chunkSize runes, flushing each. It
// reports false when the client disconnected first.
func (s *Server) stream(ctx context.Context, rw http.ResponseWriter, text string) bool {
	flusher, _ := rw.(http.Flusher)

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.WriteHeader(http.StatusOK)

	for len(text) > 0 {
		n := 0
		for i := 0; i < s.chunkSize && n < len(text); i++ {
			_, size := utf8.DecodeRuneInString(text[n:])
			n += size
		}
		if _, err := io.WriteString(rw, text[:n]); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		text = text[n:]

		if len(text) > 0 && s.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(s.chunkDelay):
			}
		}
	}
	return ctx.Err() == nil
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) serverError(rw http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "err", err)
	http.Error(rw, msg, http.StatusInternalServerError)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
