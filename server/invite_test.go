package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/whisperline/whisperline/server/store/types"
)

func TestInviteLifecycle(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)
	registerUsers(t, h, "alice", "bob")

	ref := h.NewContactInviteRef()
	created, err := ref.Create(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, created.Secret1)
	require.NotEmpty(t, created.Secret2)
	assert.NotEqual(t, created.Secret1, created.Secret2)

	// A second create on the same id fails.
	_, err = ref.Create(ctx, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	// The projection never exposes the secrets.
	info, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.CreatorID)
	assert.Equal(t, "name of alice", info.CreatorDisplayName)
	assert.False(t, info.Accepted)

	valid, err := ref.IsValid(ctx, created.Secret1, created.Secret2)
	require.NoError(t, err)
	assert.True(t, valid)
	valid, err = ref.IsValid(ctx, created.Secret1, "wrong")
	require.NoError(t, err)
	assert.False(t, valid)

	// Both secrets must match, and the creator cannot redeem their own.
	err = ref.Accept(ctx, "bob", created.Secret1, "wrong")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	err = ref.Accept(ctx, "alice", created.Secret1, created.Secret2)
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, ref.Accept(ctx, "bob", created.Secret1, created.Secret2))

	// Single redemption.
	err = ref.Accept(ctx, "bob", created.Secret1, created.Secret2)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	aliceContacts, err := h.UserRef("alice").GetContactIds(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, aliceContacts)
	bobContacts, err := h.UserRef("bob").GetContactIds(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, bobContacts)
}

func TestInviteUnknownID(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)

	_, err := h.ContactInviteRef("never-created").Get(ctx)
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = h.ContactInviteRef("never-created").Accept(ctx, "bob", "a", "b")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInviteExpiry(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := testCtx(t)

	ci := &ContactInvite{
		id:        "i1",
		hub:       h,
		created:   true,
		creatorID: "alice",
		secret1:   "s1",
		secret2:   "s2",
		expiresAt: types.TimeNow().Add(-time.Minute),
	}

	assert.False(t, ci.isValid("s1", "s2"))
	assert.False(t, ci.keepAlive())
	err := ci.accept(ctx, "bob", "s1", "s2")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	ci.expiresAt = types.TimeNow().Add(time.Minute)
	assert.True(t, ci.keepAlive())
}

func TestInviteSurvivesIdleTimeout(t *testing.T) {
	// The idle timer must not retire a live invite: memory holds the only
	// copy, and the invite stays redeemable until its expiry.
	h := newTestHub(t, 20*time.Millisecond)
	ctx := testCtx(t)
	registerUsers(t, h, "alice", "bob")

	ref := h.NewContactInviteRef()
	created, err := ref.Create(ctx, "alice")
	require.NoError(t, err)

	// The user entities are evicted; the invite instance stays pinned.
	require.Eventually(t, func() bool {
		return h.liveCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.liveCount())

	require.NoError(t, ref.Accept(ctx, "bob", created.Secret1, created.Secret2))

	// Once redeemed the instance is no longer pinned and retires normally.
	require.Eventually(t, func() bool {
		return h.liveCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
