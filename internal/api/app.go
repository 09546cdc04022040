package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/scene-rooms/internal/config"
	"github.com/npezzotti/scene-rooms/internal/music"
	"github.com/npezzotti/scene-rooms/internal/pipeline"
	"github.com/npezzotti/scene-rooms/internal/rooms"
	"github.com/npezzotti/scene-rooms/internal/server"
	"github.com/npezzotti/scene-rooms/internal/social"
)

// Deps are the components the HTTP boundary calls into.
type Deps struct {
	Rooms         *rooms.Registry
	Pipeline      *pipeline.Orchestrator
	Music         *music.Manager
	Friends       *social.Friends
	Notifications *social.Notifications
	Directory     *social.Directory
	Hub           *server.Hub
}

type SceneApp struct {
	log            *log.Logger
	srv            *http.Server
	rooms          *rooms.Registry
	pipeline       *pipeline.Orchestrator
	music          *music.Manager
	friends        *social.Friends
	notifications  *social.Notifications
	directory      *social.Directory
	hub            *server.Hub
	signingKey     []byte
	allowedOrigins []string
}

func NewSceneApp(mux *http.ServeMux, logger *log.Logger, deps Deps, cfg *config.Config) *SceneApp {
	s := &SceneApp{
		log:            logger,
		rooms:          deps.Rooms,
		pipeline:       deps.Pipeline,
		music:          deps.Music,
		friends:        deps.Friends,
		notifications:  deps.Notifications,
		directory:      deps.Directory,
		hub:            deps.Hub,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /api/users", s.users)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))

	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms/{roomId}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("GET /api/rooms/{roomId}/events", s.authMiddleware(s.roomEvents))
	mux.HandleFunc("POST /api/rooms/{roomId}/characters", s.authMiddleware(s.characters))
	mux.HandleFunc("POST /api/rooms/{roomId}/outfits", s.authMiddleware(s.outfits))
	mux.HandleFunc("POST /api/rooms/{roomId}/chat", s.authMiddleware(s.chat))
	mux.HandleFunc("POST /api/rooms/{roomId}/generate", s.authMiddleware(s.generate))
	mux.HandleFunc("DELETE /api/rooms/{roomId}/generate", s.authMiddleware(s.resetGeneration))
	mux.HandleFunc("POST /api/rooms/{roomId}/invite", s.authMiddleware(s.invite))
	mux.HandleFunc("GET /api/rooms/{roomId}/music", s.authMiddleware(s.getMusic))
	mux.HandleFunc("POST /api/rooms/{roomId}/music", s.authMiddleware(s.musicAction))
	mux.HandleFunc("GET /api/rooms/{roomId}/music/stream", s.authMiddleware(s.musicStream))

	mux.HandleFunc("GET /api/friends", s.authMiddleware(s.getFriends))
	mux.HandleFunc("POST /api/friends", s.authMiddleware(s.sendFriendRequest))
	mux.HandleFunc("GET /api/friends/events", s.authMiddleware(s.friendEvents))
	mux.HandleFunc("POST /api/friends/{friendId}", s.authMiddleware(s.respondToFriendRequest))
	mux.HandleFunc("DELETE /api/friends/{friendId}", s.authMiddleware(s.removeFriend))

	mux.HandleFunc("GET /api/notifications/events", s.authMiddleware(s.notificationEvents))
	mux.HandleFunc("POST /api/notifications/{notifId}", s.authMiddleware(s.respondToNotification))

	mux.HandleFunc("POST /api/animate", s.authMiddleware(s.animate))
	mux.HandleFunc("POST /api/merge", s.authMiddleware(s.merge))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *SceneApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *SceneApp) Start() error {
	s.log.Printf("starting server on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting requests and closes every push connection.
func (s *SceneApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	s.hub.Shutdown()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
