package resolver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sentra-qms/sentra-authz/internal/contexts"
	"github.com/sentra-qms/sentra-authz/internal/grants"
	"github.com/sentra-qms/sentra-authz/internal/identity"
	"github.com/sentra-qms/sentra-authz/internal/resources"
	"github.com/sentra-qms/sentra-authz/internal/shared"
)

type stubUsers struct {
	users map[int64]identity.User
}

func (s *stubUsers) GetUser(ctx context.Context, id int64) (identity.User, error) {
	u, ok := s.users[id]
	if !ok {
		return identity.User{}, shared.NotFoundf("user %d", id)
	}
	return u, nil
}

type stubStates struct {
	states map[int64]grants.EffectiveState
	loads  int
}

func (s *stubStates) EffectiveState(ctx context.Context, userID int64) (grants.EffectiveState, error) {
	s.loads++
	return s.states[userID], nil
}

type stubFetcher struct {
	instance resources.Instance
	err      error
	fetches  int
}

func (s *stubFetcher) Fetch(ctx context.Context, resourceType, resourceID string) (resources.Instance, error) {
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return s.instance, nil
}

type harness struct {
	users   *stubUsers
	states  *stubStates
	fetcher *stubFetcher
	cache   *Cache
	res     *Resolver
	now     time.Time
}

func newHarness(t *testing.T, withCache bool) *harness {
	t.Helper()
	h := &harness{
		users: &stubUsers{users: map[int64]identity.User{
			1: {ID: 1, Email: "ana@sentra.dev", IsActive: true, Attributes: map[string]any{"region": "emea"}},
			2: {ID: 2, Email: "off@sentra.dev"},
		}},
		states:  &stubStates{states: map[int64]grants.EffectiveState{}},
		fetcher: &stubFetcher{},
		now:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	if withCache {
		mr := miniredis.RunT(t)
		h.cache = NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	} else {
		h.cache = NewCache(nil, 0)
	}
	h.res = New(slog.New(slog.NewTextHandler(io.Discard, nil)), h.users, h.states, h.fetcher, h.cache, nil)
	h.res.now = func() time.Time { return h.now }
	return h
}

func decide(t *testing.T, h *harness, req CheckRequest) Decision {
	t.Helper()
	d, err := h.res.Decide(context.Background(), req)
	require.NoError(t, err)
	return d
}

func TestDecideRoleGrant(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: "inspector",
		RolePermissions: []string{"inspection:read", "inspection:update"},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "inspection:read"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceRole, d.Source)
	require.Equal(t, []string{"inspector"}, d.Sources)

	d = decide(t, h, CheckRequest{UserID: 1, Permission: "inspection:delete"})
	require.False(t, d.Allowed)
	require.Equal(t, SourceNone, d.Source)
}

func TestDecideTraceListsEveryGrantingLayer(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: "manager",
		RolePermissions: []string{"customer:update"},
		CustomGranted:   []string{"customer:update"},
		TemporaryGrants: []grants.TemporaryGrant{
			{Permission: "customer:update", ExpiresAt: h.now.Add(time.Hour), Reason: "migration"},
		},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceRole, d.Source)
	require.Equal(t, []string{"manager", SourceCustom, "temporary:migration"}, d.Sources)
}

func TestDecideDenialBeatsEveryGrantLayer(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: "inspector",
		RolePermissions: []string{"document:approve"},
		CustomGranted:   []string{"document:approve"},
		TemporaryGrants: []grants.TemporaryGrant{{Permission: "document:approve", ExpiresAt: h.now.Add(time.Hour)}},
		CustomDenied:    []string{"document:approve"},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "document:approve"})
	require.False(t, d.Allowed)
	require.Equal(t, SourceCustom, d.Source)
}

func TestDecideTemporaryGrantExpiresLazily(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1,
		TemporaryGrants: []grants.TemporaryGrant{
			{Permission: "report:export", ExpiresAt: h.now.Add(time.Minute), Reason: "audit-2026"},
		},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "report:export"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceTemporary, d.Source)
	require.Equal(t, []string{"temporary:audit-2026"}, d.Sources)

	h.now = h.now.Add(2 * time.Minute)
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "report:export"})
	require.False(t, d.Allowed)
}

func TestDecideInactiveUserAlwaysDenied(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[2] = grants.EffectiveState{
		UserID: 2, RoleName: "inspector",
		RolePermissions: []string{"inspection:read"},
	}

	d := decide(t, h, CheckRequest{UserID: 2, Permission: "inspection:read"})
	require.False(t, d.Allowed)
	require.Equal(t, SourceInactiveUser, d.Source)
}

func TestDecideSuperadminBypassesDenials(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: shared.RoleSuperadmin,
		CustomDenied: []string{"document:delete"},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "document:delete"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceSuperadmin, d.Source)
}

func TestDecideUnknownUserIsNotFound(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.res.Decide(context.Background(), CheckRequest{UserID: 99, Permission: "document:read"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDecideContextGrantRequiresMatchingInstance(t *testing.T) {
	h := newHarness(t, false)
	h.fetcher.instance = resources.Instance{"region": "emea"}
	h.states.states[1] = grants.EffectiveState{
		UserID: 1,
		Contexts: []grants.ContextView{{
			ContextID:    20,
			Name:         "own-region",
			ResourceType: "customer",
			Condition:    contexts.Condition{Field: "region", Operator: contexts.OpEquals, ValueFrom: "user.region"},
			Permissions:  []string{"customer:update"},
		}},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update", ResourceID: "42"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceContext+":own-region", d.Source)

	// Without a concrete resource the condition cannot be evaluated.
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update"})
	require.False(t, d.Allowed)

	h.fetcher.instance = resources.Instance{"region": "apac"}
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update", ResourceID: "42"})
	require.False(t, d.Allowed)
}

func TestDecideContextGrantStacksOverDenial(t *testing.T) {
	h := newHarness(t, false)
	h.fetcher.instance = resources.Instance{"status": "draft"}
	h.states.states[1] = grants.EffectiveState{
		UserID:       1,
		CustomDenied: []string{"document:update"},
		Contexts: []grants.ContextView{{
			Name:         "draft-docs",
			ResourceType: "document",
			Condition:    contexts.Condition{Field: "status", Operator: contexts.OpEquals, Value: "draft"},
			Permissions:  []string{"document:update"},
		}},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "document:update", ResourceID: "7"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceContext+":draft-docs", d.Source)
}

func TestDecideFetchFailureMakesContextInapplicable(t *testing.T) {
	h := newHarness(t, false)
	h.fetcher.err = shared.ErrTimeout
	h.states.states[1] = grants.EffectiveState{
		UserID: 1,
		Contexts: []grants.ContextView{{
			Name:         "own-region",
			ResourceType: "customer",
			Condition:    contexts.Condition{Field: "region", Operator: contexts.OpEquals, Value: "emea"},
			Permissions:  []string{"customer:update"},
		}},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update", ResourceID: "42"})
	require.False(t, d.Allowed)
}

func TestDecideOverrideBeatsEverythingOnItsInstance(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: "manager",
		RolePermissions: []string{"customer:update"},
		Overrides: []grants.ResourceOverride{{
			ResourceType: "customer",
			ResourceID:   "123",
			Denied:       []string{"customer:update"},
			Granted:      []string{"customer:delete"},
		}},
	}

	// Denied on the pinned instance despite the role grant.
	d := decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update", ResourceID: "123"})
	require.False(t, d.Allowed)
	require.Equal(t, SourceOverride, d.Source)

	// Granted on the pinned instance despite no other source.
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "customer:delete", ResourceID: "123"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceOverride, d.Source)

	// Other instances keep the base resolution.
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update", ResourceID: "456"})
	require.True(t, d.Allowed)
	require.Equal(t, SourceRole, d.Source)
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "customer:delete", ResourceID: "456"})
	require.False(t, d.Allowed)
}

func TestDecideExpiredOverrideIsIgnored(t *testing.T) {
	h := newHarness(t, false)
	past := h.now.Add(-time.Minute)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1,
		Overrides: []grants.ResourceOverride{{
			ResourceType: "customer",
			ResourceID:   "123",
			Granted:      []string{"customer:update"},
			ExpiresAt:    &past,
		}},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "customer:update", ResourceID: "123"})
	require.False(t, d.Allowed)
}

func TestDecideIsDeterministic(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: "inspector",
		RolePermissions: []string{"inspection:read"},
		CustomDenied:    []string{"inspection:update"},
	}

	first := decide(t, h, CheckRequest{UserID: 1, Permission: "inspection:read"})
	for i := 0; i < 20; i++ {
		again := decide(t, h, CheckRequest{UserID: 1, Permission: "inspection:read"})
		require.Equal(t, first.Allowed, again.Allowed)
		require.Equal(t, first.Source, again.Source)
	}
}

func TestDecideCachesUntilInvalidated(t *testing.T) {
	h := newHarness(t, true)
	h.states.states[1] = grants.EffectiveState{
		UserID:        1,
		CustomGranted: []string{"document:read"},
	}

	d := decide(t, h, CheckRequest{UserID: 1, Permission: "document:read"})
	require.True(t, d.Allowed)
	require.False(t, d.Cached)
	loadsAfterFirst := h.states.loads

	d = decide(t, h, CheckRequest{UserID: 1, Permission: "document:read"})
	require.True(t, d.Allowed)
	require.True(t, d.Cached)
	require.Equal(t, loadsAfterFirst, h.states.loads, "cached decision must not reload state")

	// Revoke the grant without invalidating; the stale cache still answers.
	h.states.states[1] = grants.EffectiveState{UserID: 1}
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "document:read"})
	require.True(t, d.Allowed)

	require.NoError(t, h.cache.InvalidateUser(context.Background(), 1))
	d = decide(t, h, CheckRequest{UserID: 1, Permission: "document:read"})
	require.False(t, d.Allowed)
	require.False(t, d.Cached)
}

func TestEffectivePermissionsFlattensLayers(t *testing.T) {
	h := newHarness(t, false)
	past := h.now.Add(-time.Hour)
	h.states.states[1] = grants.EffectiveState{
		UserID: 1, RoleName: "inspector",
		RolePermissions: []string{"inspection:read", "document:read"},
		CustomGranted:   []string{"report:export"},
		CustomDenied:    []string{"document:read"},
		TemporaryGrants: []grants.TemporaryGrant{
			{Permission: "document:approve", ExpiresAt: h.now.Add(time.Hour)},
			{Permission: "customer:delete", ExpiresAt: past},
		},
	}

	summary, err := h.res.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []PermissionGrant{
		{Name: "document:approve", Sources: []string{SourceTemporary}},
		{Name: "inspection:read", Sources: []string{"inspector"}},
		{Name: "report:export", Sources: []string{SourceCustom}},
	}, summary.Permissions)
	require.Len(t, summary.Temporary, 1)
	require.Equal(t, "document:approve", summary.Temporary[0].Permission)
}

func TestEffectivePermissionsInactiveUserIsEmpty(t *testing.T) {
	h := newHarness(t, false)
	h.states.states[2] = grants.EffectiveState{
		UserID: 2, RolePermissions: []string{"inspection:read"},
	}

	summary, err := h.res.EffectivePermissions(context.Background(), 2)
	require.NoError(t, err)
	require.Empty(t, summary.Permissions)
}
