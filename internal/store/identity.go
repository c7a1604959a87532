package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const oneTimeTokenPrefix = "one-time-token:"

// User is an account holder.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is a signed-in session of a user.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Verified is the result of a successful token verification.
type Verified struct {
	User    User
	Session Session
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, name string) (User, error) {
	now := s.now()
	u := User{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}

	_, err := s.db.Exec(ctx,
		"INSERT INTO users (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Name, toMillis(now), toMillis(now))
	if err != nil {
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().Str("user_id", u.ID).Str("name", name).Msg("user created")
	return u, nil
}

// UserByID loads a user.
func (s *Store) UserByID(ctx context.Context, userID string) (User, error) {
	var u User
	var created, updated int64
	err := s.db.QueryRow(ctx,
		"SELECT id, name, created_at, updated_at FROM users WHERE id = ?", userID).
		Scan(&u.ID, &u.Name, &created, &updated)
	if err != nil {
		return User{}, notFound(err, "user")
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

// CreateSession opens a session for userID that expires after ttl.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (Session, error) {
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
	}

	_, err := s.db.Exec(ctx,
		"INSERT INTO sessions (id, token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.Token, sess.UserID, toMillis(sess.ExpiresAt), toMillis(now))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// IssueOneTimeToken creates a single-purpose login token for a session.
func (s *Store) IssueOneTimeToken(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	now := s.now()
	token := strings.ReplaceAll(uuid.NewString(), "-", "")

	_, err := s.db.Exec(ctx,
		"INSERT INTO verifications (id, identifier, value, expires_at, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), oneTimeTokenPrefix+token, sessionID, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return "", fmt.Errorf("failed to issue one-time token: %w", err)
	}
	return token, nil
}

// VerifyOneTimeToken resolves a one-time token to its live session and user.
func (s *Store) VerifyOneTimeToken(ctx context.Context, token string) (Verified, error) {
	var sessionID string
	var expires int64
	err := s.db.QueryRow(ctx,
		"SELECT value, expires_at FROM verifications WHERE identifier = ?", oneTimeTokenPrefix+token).
		Scan(&sessionID, &expires)
	if err != nil {
		return Verified{}, notFound(err, "one-time token")
	}
	if s.now().After(fromMillis(expires)) {
		return Verified{}, fmt.Errorf("one-time token expired: %w", ErrNotFound)
	}

	return s.verifySession(ctx, "id", sessionID)
}

// VerifySessionToken resolves a bearer session token to its session and user.
func (s *Store) VerifySessionToken(ctx context.Context, token string) (Verified, error) {
	if token == "" {
		return Verified{}, fmt.Errorf("session token: %w", ErrNotFound)
	}
	return s.verifySession(ctx, "token", token)
}

func (s *Store) verifySession(ctx context.Context, column, value string) (Verified, error) {
	var v Verified
	var expires, created, updated int64

	query := `
		SELECT s.id, s.token, s.user_id, s.expires_at, u.id, u.name, u.created_at, u.updated_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.` + column + ` = ?
	`
	err := s.db.QueryRow(ctx, query, value).Scan(
		&v.Session.ID, &v.Session.Token, &v.Session.UserID, &expires,
		&v.User.ID, &v.User.Name, &created, &updated)
	if err != nil {
		return Verified{}, notFound(err, "session")
	}

	v.Session.ExpiresAt = fromMillis(expires)
	v.User.CreatedAt = fromMillis(created)
	v.User.UpdatedAt = fromMillis(updated)

	if s.now().After(v.Session.ExpiresAt) {
		return Verified{}, fmt.Errorf("session expired: %w", ErrNotFound)
	}
	return v, nil
}

// RevokeOneTimeToken deletes a one-time token. Unknown tokens are not an error.
func (s *Store) RevokeOneTimeToken(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM verifications WHERE identifier = ?", oneTimeTokenPrefix+token)
	if err != nil {
		return fmt.Errorf("failed to revoke one-time token: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanExpired removes expired sessions and verifications.
func (s *Store) CleanExpired(ctx context.Context) (int64, error) {
	now := toMillis(s.now())
	var total int64
	for _, table := range []string{"verifications", "sessions"} {
		res, err := s.db.Exec(ctx, "DELETE FROM "+table+" WHERE expires_at < ?", now)
		if err != nil {
			return total, fmt.Errorf("failed to clean %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
