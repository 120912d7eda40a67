package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
	"github.com/xiaot623/gogo/sessiond/policy"
	"github.com/xiaot623/gogo/sessiond/tests/helpers"
)

var (
	alice = domain.Principal{ID: "u1", Roles: []string{"user"}}
	bob   = domain.Principal{ID: "u2", Roles: []string{"user"}}
	root  = domain.Principal{ID: "ops", Roles: []string{"admin"}}
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	fc := helpers.NewFakeClock()
	return New(repository.NewMemoryBackend(fc), engine, Config{Clock: fc, Log: helpers.NewTestLogger(t)})
}

func TestOwnerHasFullAccess(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))

	for _, level := range []domain.AccessLevel{domain.AccessRead, domain.AccessReadWrite, domain.AccessOwner} {
		ok, err := c.Check(ctx, alice, domain.ResourceSession, "s1", level)
		require.NoError(t, err)
		assert.True(t, ok, level.String())
	}
	ok, err := c.Check(ctx, alice, domain.ResourceSession, "s1", domain.AccessAdmin)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckNoneAlwaysAllowed(t *testing.T) {
	c := newTestController(t)
	ok, err := c.Check(context.Background(), domain.Principal{ID: "stranger"}, domain.ResourceSession, "s1", domain.AccessNone)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGrantThenRevoke(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))

	ok, err := c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessRead)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessRead))
	ok, err = c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessRead)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessReadWrite)
	require.NoError(t, err)
	assert.False(t, ok)

	// last write wins
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessReadWrite))
	ok, err = c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessReadWrite)
	require.NoError(t, err)
	assert.True(t, ok)

	grants, err := c.Grants(ctx, domain.ResourceSession, "s1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, domain.AccessReadWrite, grants[0].Level)
	assert.Equal(t, "u1", grants[0].GrantedBy)

	require.NoError(t, c.Revoke(ctx, domain.ResourceSession, "s1", alice, "u2"))
	require.NoError(t, c.Revoke(ctx, domain.ResourceSession, "s1", alice, "u2"))
	ok, err = c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrantNoneRevokes(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessRead))
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessNone))

	grants, err := c.Grants(ctx, domain.ResourceSession, "s1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestGrantRequiresOwnerLevel(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessReadWrite))

	err := c.Grant(ctx, domain.ResourceSession, "s1", bob, "u3", domain.AccessRead)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	err = c.Revoke(ctx, domain.ResourceSession, "s1", bob, "u2")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	// owners cannot hand out admin
	err = c.Grant(ctx, domain.ResourceSession, "s1", alice, "u3", domain.AccessAdmin)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestAdminRoleOverride(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))

	ok, err := c.Check(ctx, root, domain.ResourceSession, "s1", domain.AccessOwner)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", root, "u2", domain.AccessRead))
	level, err := c.Level(ctx, root, domain.ResourceSession, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccessAdmin, level)
}

func TestOwnerIsUnique(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))

	err := c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u2")
	assert.ErrorIs(t, err, domain.ErrConflict)

	owner, err := c.Owner(ctx, domain.ResourceSession, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
}

func TestCheckIsMonotonic(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessReadWrite))

	levels := []domain.AccessLevel{domain.AccessNone, domain.AccessRead, domain.AccessReadWrite, domain.AccessOwner, domain.AccessAdmin}
	for _, p := range []domain.Principal{alice, bob, root, {ID: "nobody"}} {
		for i, high := range levels {
			okHigh, err := c.Check(ctx, p, domain.ResourceSession, "s1", high)
			require.NoError(t, err)
			if !okHigh {
				continue
			}
			for _, low := range levels[:i] {
				okLow, err := c.Check(ctx, p, domain.ResourceSession, "s1", low)
				require.NoError(t, err)
				assert.True(t, okLow, "%s allowed %s but not %s", p.ID, high, low)
			}
		}
	}
}

func TestGrantsAreScopedToResource(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s10", "u1"))
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s10", alice, "u2", domain.AccessRead))

	ok, err := c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessRead)
	require.NoError(t, err)
	assert.False(t, ok)

	grants, err := c.Grants(ctx, domain.ResourceSession, "s1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestDropResource(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t)
	require.NoError(t, c.RegisterOwner(ctx, domain.ResourceSession, "s1", "u1"))
	require.NoError(t, c.Grant(ctx, domain.ResourceSession, "s1", alice, "u2", domain.AccessRead))

	require.NoError(t, c.DropResource(ctx, domain.ResourceSession, "s1"))
	_, err := c.Owner(ctx, domain.ResourceSession, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	ok, err := c.Check(ctx, bob, domain.ResourceSession, "s1", domain.AccessRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidResource(t *testing.T) {
	c := newTestController(t)
	_, err := c.Check(context.Background(), alice, domain.ResourceType("planet"), "x", domain.AccessRead)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = c.Check(context.Background(), alice, domain.ResourceSession, "", domain.AccessRead)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
