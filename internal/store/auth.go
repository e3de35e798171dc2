package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Proactiveness dials. They scale how eagerly the gardener surfaces
// unprompted observations.
const (
	ProactivenessOff      = "off"
	ProactivenessLow      = "low"
	ProactivenessModerate = "moderate"
	ProactivenessHigh     = "high"
)

// AuthTokenTTL is how long a login token stays valid.
const AuthTokenTTL = 7 * 24 * time.Hour

// User is an account on this instance. Single-user deployments still get
// a row here so quiet hours and proactiveness have somewhere to live.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"`
	Proactiveness string    `json:"proactiveness"`
	QuietStart    int       `json:"quietStart"` // local hour, inclusive
	QuietEnd      int       `json:"quietEnd"`   // local hour, exclusive
	UTCOffsetMin  int       `json:"utcOffsetMin"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Errors for the auth surface.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username already taken")
	ErrTokenInvalid = errors.New("token invalid or expired")
	ErrNoUsers      = errors.New("no users registered")
)

// CreateUser registers a new account. The caller hashes the password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	u := &User{
		ID:            NewID(),
		Username:      username,
		PasswordHash:  passwordHash,
		Proactiveness: ProactivenessModerate,
		QuietStart:    2,
		QuietEnd:      5,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth_users
		(id, username, password_hash, proactiveness, quiet_start, quiet_end, utc_offset_min, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Proactiveness, u.QuietStart, u.QuietEnd,
		u.UTCOffsetMin, u.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUserByUsername looks an account up for login.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `WHERE username=?`, username)
}

// GetUser looks an account up by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `WHERE id=?`, id)
}

// FirstUser returns the oldest account; single-user deployments route
// channel traffic to it.
func (s *Store) FirstUser(ctx context.Context) (*User, error) {
	u, err := s.getUser(ctx, `ORDER BY created_at LIMIT 1`)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrNoUsers
	}
	return u, err
}

func (s *Store) getUser(ctx context.Context, clause string, args ...any) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, proactiveness,
		quiet_start, quiet_end, utc_offset_min, created_at FROM auth_users `+clause, args...)

	var u User
	var created int64
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Proactiveness,
		&u.QuietStart, &u.QuietEnd, &u.UTCOffsetMin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return &u, nil
}

// UpdateUserSettings persists the proactiveness dial and quiet hours.
func (s *Store) UpdateUserSettings(ctx context.Context, id, proactiveness string, quietStart, quietEnd, utcOffsetMin int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_users SET proactiveness=?, quiet_start=?, quiet_end=?, utc_offset_min=? WHERE id=?`,
		proactiveness, quietStart, quietEnd, utcOffsetMin, id)
	return err
}

// CreateAuthSession mints a login token valid for AuthTokenTTL.
func (s *Store) CreateAuthSession(ctx context.Context, userID string) (token string, expires time.Time, err error) {
	token = NewID()
	now := time.Now().UTC()
	expires = now.Add(AuthTokenTTL)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, userID, expires.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create auth session: %w", err)
	}
	return token, expires, nil
}

// ValidateToken resolves a token to its user, rejecting expired tokens.
func (s *Store) ValidateToken(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM auth_sessions WHERE token=?`, token)

	var userID string
	var expiresAt int64
	err := row.Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if time.Now().UTC().UnixMilli() >= expiresAt {
		return nil, ErrTokenInvalid
	}
	return s.GetUser(ctx, userID)
}

// DeleteAuthSession logs a token out.
func (s *Store) DeleteAuthSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE token=?`, token)
	return err
}

// PruneExpiredAuthSessions drops tokens past their expiry.
func (s *Store) PruneExpiredAuthSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	// modernc sqlite reports constraint failures in the message.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
