// Package server hosts the hub HTTP/WebSocket process.
//
// The transport owns no messaging state: identity, rooms, history, and unread
// accounting live in the domain service, and realtime delivery rides the
// event bus. A dropped frame is always recoverable through a reload.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatherspace/gatherspace/internal/platform/timeouts"
	"github.com/gatherspace/gatherspace/internal/services/hub/domain"
	"github.com/gatherspace/gatherspace/internal/services/hub/eventbus"
	"github.com/gatherspace/gatherspace/internal/services/hub/magiclink"
	"github.com/gatherspace/gatherspace/internal/services/hub/storage/sqlite"
	"golang.org/x/net/websocket"
)

const (
	tokenCookieName = "gs_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the hub transport boundary.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	MagicLink         magiclink.Config
	Token             magiclink.TokenConfig
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the hub HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

// handlerDeps bundles the collaborators shared by every connection.
type handlerDeps struct {
	service  *domain.Service
	bus      *eventbus.Bus
	provider magiclink.Provider
	token    magiclink.TokenConfig
}

type wsClaimsContextKey struct{}
type wsDeepLinkContextKey struct{}

// NewServer builds a configured hub server backed by a SQLite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open hub storage: %w", err)
	}

	bus := eventbus.NewBus()
	service, err := domain.NewService(domain.Config{
		Profiles: store,
		Messages: store,
		Bus:      bus,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init hub service: %w", err)
	}

	var provider magiclink.Provider
	if strings.TrimSpace(config.MagicLink.ProviderURL) != "" {
		provider, err = magiclink.NewHTTPProvider(config.MagicLink)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init magic link provider: %w", err)
		}
	} else {
		log.Printf("hub: magic link provider not configured, login requests will be rejected")
	}

	deps := &handlerDeps{
		service:  service,
		bus:      bus,
		provider: provider,
		token:    config.Token,
	}
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a hub server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init hub server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve hub: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("hub server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("hub server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close hub storage: %v", err)
		}
	}
}

func newHandler(deps *handlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		handleSessionRedirect(deps, w, r)
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx := r.Context()
		if token := tokenFromRequest(r); token != "" {
			claims, err := magiclink.VerifySessionToken(deps.token, token)
			if err != nil {
				log.Printf("hub: websocket unauthorized: session token rejected for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			ctx = context.WithValue(ctx, wsClaimsContextKey{}, claims)
		}
		if peerID := strings.TrimSpace(r.URL.Query().Get("peer")); peerID != "" {
			ctx = context.WithValue(ctx, wsDeepLinkContextKey{}, peerID)
		}

		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

// handleSessionRedirect turns a magic-link round-trip into a browser session:
// the provider token is verified, re-issued as a cookie, and the client is
// bounced back to the app root, carrying the deep-linked peer when present.
func handleSessionRedirect(deps *handlerDeps, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	claims, err := magiclink.VerifySessionToken(deps.token, token)
	if err != nil {
		log.Printf("hub: session redirect rejected: %v", err)
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    token,
		Path:     "/",
		Expires:  claims.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	target := "/"
	if peerID := strings.TrimSpace(r.URL.Query().Get("peer")); peerID != "" {
		target = "/?peer=" + url.QueryEscape(peerID)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
