package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/simbridge/relay/internal/auth"
	"github.com/simbridge/relay/internal/store"
)

const maxUsernameLen = 64

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type externalRequest struct {
	IDToken string `json:"id_token"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	UserID    int64  `json:"user_id"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > maxUsernameLen {
		writeError(w, http.StatusBadRequest, "invalid username")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	acct, err := s.store.CreateAccount(r.Context(), req.Username, hash)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "username already registered")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.log.Info("account registered", "account_id", acct.ID, "username", acct.Username)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       acct.ID,
		"username": acct.Username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.allowAttempt(w, "login:"+req.Username) {
		return
	}

	acct, err := s.store.AccountByUsername(r.Context(), req.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Burn a full hash comparison anyway so unknown usernames cost the
		// same as wrong passwords.
		_ = auth.VerifyDummy(req.Password)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		s.writeStoreError(w, r, err)
		return
	}

	if err := auth.VerifyPassword(req.Password, acct.PasswordHash); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.issueToken(w, r, acct.ID)
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	if s.external == nil {
		writeError(w, http.StatusServiceUnavailable, "external login not configured")
		return
	}
	var req externalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IDToken == "" {
		writeError(w, http.StatusBadRequest, "id_token required")
		return
	}

	ident, err := s.external.VerifyAssertion(r.Context(), req.IDToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid identity assertion")
		return
	}

	acct, err := s.resolveExternalAccount(r.Context(), ident)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.issueToken(w, r, acct.ID)
}

// resolveExternalAccount maps a verified external identity to an account:
// match by subject, then by email (linking the subject), else auto-provision.
func (s *Server) resolveExternalAccount(ctx context.Context, ident *auth.ExternalIdentity) (*store.Account, error) {
	acct, err := s.store.AccountByExternalSubject(ctx, ident.Subject)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if ident.Email != "" {
		acct, err = s.store.AccountByEmail(ctx, ident.Email)
		if err == nil {
			if err := s.store.LinkExternalSubject(ctx, acct.ID, ident.Subject); err != nil {
				return nil, err
			}
			return acct, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	username, err := s.freeUsername(ctx, usernameBase(ident.Email))
	if err != nil {
		return nil, err
	}
	acct, err = s.store.CreateExternalAccount(ctx, username, ident.Subject, ident.Email)
	if err != nil {
		return nil, err
	}
	s.log.Info("external account provisioned", "account_id", acct.ID, "username", username)
	return acct, nil
}

// usernameBase derives a username candidate from the email local part.
func usernameBase(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	base := b.String()
	if base == "" {
		return "user"
	}
	if len(base) > maxUsernameLen-4 {
		base = base[:maxUsernameLen-4]
	}
	return base
}

// freeUsername appends a counter suffix until the candidate is unclaimed.
func (s *Server) freeUsername(ctx context.Context, base string) (string, error) {
	name := base
	for i := 1; ; i++ {
		taken, err := s.store.UsernameTaken(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
		name = fmt.Sprintf("%s%d", base, i)
	}
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request, accountID int64) {
	token, err := s.tokens.Mint(accountID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		UserID:    accountID,
		ExpiresIn: int(auth.TokenLifetime.Seconds()),
	})
}

// allowAttempt applies the sliding-window rate limit, writing the 429 itself
// when the key is over budget.
func (s *Server) allowAttempt(w http.ResponseWriter, key string) bool {
	ok, retryAfter := s.limiter.Allow(key)
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return false
	}
	return true
}
