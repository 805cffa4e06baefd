package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/lmichaud/go-messenger/internal/chat"
	"github.com/lmichaud/go-messenger/internal/config"
	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/server"
	"github.com/lmichaud/go-messenger/internal/stats"
)

// MessengerApp is the HTTP surface: REST handlers for accounts,
// conversations and messages, the websocket attach point and the health
// probe, wrapped in CORS and panic recovery.
type MessengerApp struct {
	log            *log.Logger
	db             database.MessengerRepository
	registry       *chat.ConversationRegistry
	members        *chat.MembershipStore
	messages       *chat.MessageStore
	unread         *chat.UnreadCalculator
	cs             *server.ChatServer
	stats          stats.StatsProvider
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewMessengerApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.MessengerRepository,
	registry *chat.ConversationRegistry, members *chat.MembershipStore, messages *chat.MessageStore,
	unread *chat.UnreadCalculator, sp stats.StatsProvider, cfg *config.Config) *MessengerApp {
	s := &MessengerApp{
		log:            logger,
		db:             db,
		registry:       registry,
		members:        members,
		messages:       messages,
		unread:         unread,
		cs:             cs,
		stats:          sp,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("POST /api/conversations/private", s.authMiddleware(s.createPrivateConversation))
	mux.Handle("POST /api/conversations/group", s.authMiddleware(s.createGroupConversation))
	mux.Handle("GET /api/conversations/detail", s.authMiddleware(s.getConversation))
	mux.Handle("PATCH /api/conversations", s.authMiddleware(s.updateConversation))
	mux.Handle("DELETE /api/conversations", s.authMiddleware(s.deleteConversation))
	mux.Handle("POST /api/conversations/members", s.authMiddleware(s.addMember))
	mux.Handle("DELETE /api/conversations/members", s.authMiddleware(s.leaveConversation))
	mux.Handle("POST /api/conversations/read", s.authMiddleware(s.markRead))
	mux.Handle("POST /api/conversations/mute", s.authMiddleware(s.muteConversation))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("PATCH /api/messages", s.authMiddleware(s.editMessage))
	mux.Handle("DELETE /api/messages", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *MessengerApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *MessengerApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
