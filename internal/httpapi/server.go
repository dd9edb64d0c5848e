// Package httpapi is the relay's front door: the REST control plane and the
// WebSocket endpoints devices attach through.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/simbridge/relay/internal/auth"
	"github.com/simbridge/relay/internal/history"
	"github.com/simbridge/relay/internal/pairing"
	"github.com/simbridge/relay/internal/ratelimit"
	"github.com/simbridge/relay/internal/relay"
	"github.com/simbridge/relay/internal/store"
)

// Deps bundles everything the front door needs.
type Deps struct {
	Store    *store.Store
	Tokens   *auth.TokenIssuer
	External auth.ExternalVerifier // nil disables /auth/external
	Pairing  *pairing.Service
	History  *history.Service
	Router   *relay.Router
	Registry *relay.Registry
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
}

// Server carries the handler state. Build the http.Handler with Routes.
type Server struct {
	store    *store.Store
	tokens   *auth.TokenIssuer
	external auth.ExternalVerifier
	pairing  *pairing.Service
	history  *history.Service
	router   *relay.Router
	registry *relay.Registry
	limiter  *ratelimit.Limiter
	log      *slog.Logger
}

// NewServer creates a Server from its dependencies.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    d.Store,
		tokens:   d.Tokens,
		external: d.External,
		pairing:  d.Pairing,
		history:  d.History,
		router:   d.Router,
		registry: d.Registry,
		limiter:  d.Limiter,
		log:      logger.With("component", "httpapi"),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/external", s.handleExternal)

	mux.Handle("POST /devices", s.authed(s.handleCreateDevice))
	mux.Handle("GET /devices", s.authed(s.handleListDevices))

	mux.Handle("POST /pair", s.authed(s.handlePair))
	mux.Handle("GET /pair/qr", s.authed(s.handlePairQR))
	mux.Handle("POST /pair/confirm", s.authed(s.handlePairConfirm))

	mux.Handle("POST /sms", s.authed(s.handleSMS))
	mux.Handle("POST /call", s.authed(s.handleCall))
	mux.Handle("GET /sims", s.authed(s.handleSims))
	mux.Handle("GET /history", s.authed(s.handleHistory))

	mux.HandleFunc("GET /ws/host/{deviceID}", s.handleWS(store.KindHost))
	mux.HandleFunc("GET /ws/client/{deviceID}", s.handleWS(store.KindClient))

	return mux
}

// authed wraps a handler with bearer token verification, passing the
// authenticated account id through.
func (s *Server) authed(h func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		h(w, r, accountID)
	}
}

// authenticate extracts and verifies the bearer token, writing the 401 itself
// on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (int64, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return 0, false
	}
	accountID, err := s.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "token expired")
		} else {
			writeError(w, http.StatusUnauthorized, "invalid token")
		}
		return 0, false
	}
	return accountID, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

// decodeBody decodes a JSON request body into v, writing the 400 itself on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends an error body in the {"detail": ...} shape the mobile
// clients expect.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeStoreError maps unexpected persistence failures to 503.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusServiceUnavailable, "service unavailable")
}
