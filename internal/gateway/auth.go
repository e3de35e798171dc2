package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/nextlevelbuilder/haven/internal/store"
)

const authCookie = "haven_token"

// dummyHash keeps login timing flat when the username does not exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("haven-no-such-user"), bcrypt.DefaultCost)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleAuthSetup creates the first (and only) account. Once a user
// exists the endpoint is closed.
func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.store.FirstUser(r.Context()); !errors.Is(err, store.ErrNoUsers) {
		http.Error(w, "setup already completed", http.StatusConflict)
		return
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || len(creds.Password) < 8 {
		http.Error(w, "username required and password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	user, err := s.store.CreateUser(r.Context(), creds.Username, string(hash))
	if err != nil {
		slog.Error("auth: setup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.issueToken(w, r, user)
}

// handleAuthLogin exchanges credentials for a session cookie.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), creds.Username)
	if err != nil {
		// Burn a compare anyway so missing and wrong-password paths cost
		// the same.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(creds.Password))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	s.issueToken(w, r, user)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request, user *store.User) {
	token, expires, err := s.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		slog.Error("auth: session create failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"username": user.Username})
}

// handleAuthLogout invalidates the session token and clears the cookie.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if cookie, err := r.Cookie(authCookie); err == nil {
		if err := s.store.DeleteAuthSession(r.Context(), cookie.Value); err != nil {
			slog.Warn("auth: logout delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name: authCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAuthStatus reports whether the caller is logged in and whether
// first-run setup is still open.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	setupRequired := false
	if _, err := s.store.FirstUser(r.Context()); errors.Is(err, store.ErrNoUsers) {
		setupRequired = true
	}

	user, err := s.userFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": false, "setupRequired": setupRequired,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true, "setupRequired": false, "username": user.Username,
	})
}

// userFromRequest resolves the auth cookie to its user.
func (s *Server) userFromRequest(r *http.Request) (*store.User, error) {
	cookie, err := r.Cookie(authCookie)
	if err != nil {
		return nil, store.ErrTokenInvalid
	}
	return s.store.ValidateToken(r.Context(), cookie.Value)
}

// authenticated guards an API handler behind the session cookie.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.userFromRequest(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
