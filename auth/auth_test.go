package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTransitions(t *testing.T) {
	l := NewLocal(time.Minute)
	var changes []Change
	unsubscribe := l.OnIdentityChange(func(c Change) { changes = append(changes, c) })

	s, err := l.SignIn(" u1 ")
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "u1", Kind: models.Authenticated}, s.Identity)
	assert.NotEmpty(t, s.Token)
	assert.Equal(t, s.Identity, l.Current())

	refreshed, err := l.RefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, refreshed.Token)

	g := l.SignInGuest()
	assert.True(t, g.Identity.IsGuest())
	assert.True(t, strings.HasPrefix(g.Identity.ID, "guest-"))

	l.SignOut()
	l.SignOut()
	assert.True(t, l.Current().IsZero())

	require.Len(t, changes, 4)
	assert.Equal(t, SignedIn, changes[0].Kind)
	assert.Equal(t, TokenRefreshed, changes[1].Kind)
	assert.Equal(t, "u1", changes[1].Identity.ID)
	assert.Equal(t, SignedIn, changes[2].Kind)
	assert.Equal(t, "u1", changes[2].Previous.ID)
	assert.Equal(t, SignedOut, changes[3].Kind)
	assert.Equal(t, g.Identity, changes[3].Previous)

	unsubscribe()
	_, err = l.SignIn("u2")
	require.NoError(t, err)
	assert.Len(t, changes, 4)
}

func TestSignInSameUserRefreshes(t *testing.T) {
	l := NewLocal(0)
	var kinds []ChangeKind
	l.OnIdentityChange(func(c Change) { kinds = append(kinds, c.Kind) })

	_, err := l.SignIn("u1")
	require.NoError(t, err)
	_, err = l.SignIn("u1")
	require.NoError(t, err)
	assert.Equal(t, []ChangeKind{SignedIn, TokenRefreshed}, kinds)
}

func TestLocalRejects(t *testing.T) {
	l := NewLocal(0)
	_, err := l.SignIn("  ")
	assert.True(t, syncerr.IsValidation(err))

	_, err = l.RefreshToken()
	assert.True(t, syncerr.IsValidation(err))
}

func TestSessionExpiry(t *testing.T) {
	l := NewLocal(30 * time.Minute)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	s, err := l.SignIn("u1")
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(30*time.Minute), s.ExpiresAt)
	assert.Equal(t, s, l.Session())
}

func TestResume(t *testing.T) {
	l := NewLocal(time.Minute)
	s, err := l.Resume(models.Identity{ID: "guest-42", Kind: models.Guest})
	require.NoError(t, err)
	assert.True(t, s.Identity.IsGuest())
	assert.Equal(t, "guest-42", l.Current().ID)

	s, err = l.Resume(models.Identity{ID: "u9"})
	require.NoError(t, err)
	assert.Equal(t, models.Authenticated, s.Identity.Kind)

	_, err = l.Resume(models.Identity{Kind: models.Guest})
	assert.True(t, syncerr.IsValidation(err))
}
