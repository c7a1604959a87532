package store

import (
	"context"
	"fmt"
)

// Friendship statuses.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
	FriendshipBlocked  = "blocked"
)

// SetFriendship creates or updates the link between two users. The pair is
// stored once with the lower id first.
func (s *Store) SetFriendship(ctx context.Context, a, b, status string) error {
	if a == b {
		return fmt.Errorf("cannot befriend yourself")
	}
	low, high := a, b
	if low > high {
		low, high = high, low
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO friendships (user_low_id, user_high_id, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_low_id, user_high_id) DO UPDATE SET status = excluded.status
	`, low, high, status, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to set friendship: %w", err)
	}
	return nil
}

// RemoveFriendship deletes the link between two users.
func (s *Store) RemoveFriendship(ctx context.Context, a, b string) error {
	low, high := a, b
	if low > high {
		low, high = high, low
	}
	_, err := s.db.Exec(ctx, "DELETE FROM friendships WHERE user_low_id = ? AND user_high_id = ?", low, high)
	if err != nil {
		return fmt.Errorf("failed to remove friendship: %w", err)
	}
	return nil
}

// AcceptedFriendIDs returns the ids of userID's accepted friends.
func (s *Store) AcceptedFriendIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT CASE WHEN user_low_id = ? THEN user_high_id ELSE user_low_id END
		FROM friendships
		WHERE (user_low_id = ? OR user_high_id = ?) AND status = ?
		ORDER BY created_at, rowid
	`, userID, userID, userID, FriendshipAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
