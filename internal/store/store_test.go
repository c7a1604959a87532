package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOneTimeTokenLogin(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	u, err := s.CreateUser(ctx, "alice")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, u.ID, time.Hour)
	require.NoError(t, err)
	token, err := s.IssueOneTimeToken(ctx, sess.ID, time.Minute)
	require.NoError(t, err)

	v, err := s.VerifyOneTimeToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, v.User.ID)
	assert.Equal(t, "alice", v.User.Name)
	assert.Equal(t, sess.ID, v.Session.ID)

	require.NoError(t, s.RevokeOneTimeToken(ctx, token))
	_, err = s.VerifyOneTimeToken(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RevokeOneTimeToken(ctx, "never-issued"))

	loaded, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Name)

	_, err = s.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredTokensAreRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	u, err := s.CreateUser(ctx, "bob")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, u.ID, time.Hour)
	require.NoError(t, err)
	token, err := s.IssueOneTimeToken(ctx, sess.ID, time.Minute)
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	s.now = func() time.Time { return later }

	_, err = s.VerifyOneTimeToken(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := s.VerifySessionToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, v.User.ID)

	n, err := s.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.VerifySessionToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceQueries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	u, err := s.CreateUser(ctx, "carol")
	require.NoError(t, err)
	other, err := s.CreateUser(ctx, "mallory")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	laptop, err := s.RegisterDevice(ctx, u.ID, "laptop", "fp-laptop", sess.ID)
	require.NoError(t, err)
	phone, err := s.RegisterDevice(ctx, u.ID, "phone", "", "")
	require.NoError(t, err)

	d, err := s.DeviceBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, laptop.ID, d.ID)
	assert.Equal(t, "fp-laptop", d.FingerprintOrEmpty())

	_, err = s.DeviceBySessionAndUser(ctx, sess.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.OwnedDevice(ctx, other.ID, phone.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.OwnedDevice(ctx, u.ID, phone.ID)
	require.NoError(t, err)
	assert.Nil(t, p.Fingerprint)
	assert.Empty(t, p.CurrentSessionID)

	first, err := s.FirstDeviceOfUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, laptop.ID, first.ID)

	require.NoError(t, s.RenameDevice(ctx, phone.ID, "pocket"))
	p, err = s.DeviceByID(ctx, phone.ID)
	require.NoError(t, err)
	assert.Equal(t, "pocket", p.Name)

	require.NoError(t, s.UpdateDeviceNameBySession(ctx, sess.ID, "workstation"))
	require.NoError(t, s.TouchActivity(ctx, sess.ID, u.ID))
	d, err = s.DeviceByID(ctx, laptop.ID)
	require.NoError(t, err)
	assert.Equal(t, "workstation", d.Name)

	require.NoError(t, s.DeleteDevice(ctx, phone.ID))
	assert.ErrorIs(t, s.DeleteDevice(ctx, phone.ID), ErrNotFound)

	devices, err := s.DevicesOfUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.VerifySessionToken(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptedFriendIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var ids []string
	for _, name := range []string{"a", "b", "c", "d"} {
		u, err := s.CreateUser(ctx, name)
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}

	require.NoError(t, s.SetFriendship(ctx, ids[0], ids[1], FriendshipAccepted))
	require.NoError(t, s.SetFriendship(ctx, ids[2], ids[0], FriendshipPending))
	require.NoError(t, s.SetFriendship(ctx, ids[3], ids[0], FriendshipPending))
	require.NoError(t, s.SetFriendship(ctx, ids[0], ids[3], FriendshipAccepted))

	friends, err := s.AcceptedFriendIDs(ctx, ids[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[1], ids[3]}, friends)

	friends, err = s.AcceptedFriendIDs(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, friends)

	require.NoError(t, s.RemoveFriendship(ctx, ids[1], ids[0]))
	friends, err = s.AcceptedFriendIDs(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3]}, friends)

	assert.Error(t, s.SetFriendship(ctx, ids[0], ids[0], FriendshipAccepted))
}
