// Package server exposes the local web UI's JSON API. Handlers only touch
// the mailbox store and the queue manager's submit/snapshot surface; none of
// them block on modem I/O.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"satmsg/mailbox"
	"satmsg/queue"
)

type Server struct {
	port       int
	version    string
	localUser  string
	store      *mailbox.Store
	manager    *queue.Manager
	router     *mux.Router
	httpServer *http.Server
}

func New(port int, localUser string, store *mailbox.Store, manager *queue.Manager, version string) *Server {
	s := &Server{
		port:      port,
		version:   version,
		localUser: localUser,
		store:     store,
		manager:   manager,
		router:    mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/outbox", s.handleOutbox).Methods("GET")
	api.HandleFunc("/recipients", s.handleRecipients).Methods("GET")
	api.HandleFunc("/recipients/{recipient}/thread", s.handleThread).Methods("GET")
	api.HandleFunc("/recipients/{recipient}/thread", s.handleThreadDelete).Methods("DELETE")
	api.HandleFunc("/messages", s.handleSendMessage).Methods("POST")
	api.HandleFunc("/sync", s.handleSync).Methods("POST")
	api.HandleFunc("/signal", s.handleSignal).Methods("POST")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Handler returns the configured router; used by the tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down HTTP server")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("Starting web server on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
