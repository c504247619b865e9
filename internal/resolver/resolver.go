package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sentra-qms/sentra-authz/internal/contexts"
	"github.com/sentra-qms/sentra-authz/internal/grants"
	"github.com/sentra-qms/sentra-authz/internal/identity"
	"github.com/sentra-qms/sentra-authz/internal/resources"
	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// Decision is the outcome of one permission check. Source names the layer
// that determined the outcome; Sources is the audit trace listing every
// layer backing the decision (role name, "custom", "temporary:<reason>",
// "context:<name>", "override").
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Source     string    `json:"source"`
	Sources    []string  `json:"sources,omitempty"`
	Permission string    `json:"permission"`
	ResourceID string    `json:"resource_id,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
	Cached     bool      `json:"-"`
}

// Decision sources, from weakest to strongest.
const (
	SourceNone         = "none"
	SourceInactiveUser = "inactive_user"
	SourceRole         = "role"
	SourceCustom       = "custom"
	SourceTemporary    = "temporary"
	SourceContext      = "context"
	SourceOverride     = "override"
	SourceSuperadmin   = "superadmin"
)

// CheckRequest identifies one permission check. ResourceID is optional;
// without it, contexts and overrides targeting concrete instances never
// apply.
type CheckRequest struct {
	UserID     int64
	Permission string
	ResourceID string
}

// UserSource resolves users.
type UserSource interface {
	GetUser(ctx context.Context, id int64) (identity.User, error)
}

// StateSource loads a user's full permission state.
type StateSource interface {
	EffectiveState(ctx context.Context, userID int64) (grants.EffectiveState, error)
}

// Recorder receives resolver metrics. Implementations must be cheap; the
// resolver calls it on every decision.
type Recorder interface {
	ObserveDecision(source string, allowed, cached bool)
}

// Resolver computes allow/deny decisions by combining the role layer,
// custom grants and denials, temporary grants, conditional contexts and
// resource overrides, caching results per user generation.
type Resolver struct {
	logger  *slog.Logger
	users   UserSource
	states  StateSource
	fetcher resources.Fetcher
	cache   *Cache
	metrics Recorder
	group   singleflight.Group
	now     func() time.Time
}

// New constructs a resolver. fetcher and metrics may be nil.
func New(logger *slog.Logger, users UserSource, states StateSource, fetcher resources.Fetcher, cache *Cache, metrics Recorder) *Resolver {
	return &Resolver{
		logger:  logger,
		users:   users,
		states:  states,
		fetcher: fetcher,
		cache:   cache,
		metrics: metrics,
		now:     time.Now,
	}
}

// Decide resolves one permission check. Identical concurrent checks share a
// single computation; every decision is cached under the generation read
// before resolution started.
func (r *Resolver) Decide(ctx context.Context, req CheckRequest) (Decision, error) {
	suffix := req.Permission + ":" + orDash(req.ResourceID)

	cacheable := true
	gen, err := r.cache.Generation(ctx, req.UserID)
	if err != nil {
		r.logger.Warn("cache generation unavailable, resolving uncached",
			slog.Int64("user_id", req.UserID), slog.Any("error", err))
		cacheable = false
	}
	if cacheable {
		if d, ok, err := r.cache.Get(ctx, req.UserID, gen, suffix); err != nil {
			r.logger.Warn("cache read failed", slog.Any("error", err))
		} else if ok {
			d.Cached = true
			r.observe(d)
			return d, nil
		}
	}

	key := fmt.Sprintf("%d:%d:%s", req.UserID, gen, suffix)
	v, err, _ := r.group.Do(key, func() (any, error) {
		d, err := r.resolve(ctx, req)
		if err != nil {
			return Decision{}, err
		}
		if cacheable {
			if err := r.cache.Put(ctx, req.UserID, gen, suffix, d); err != nil {
				r.logger.Warn("cache write failed", slog.Any("error", err))
			}
		}
		return d, nil
	})
	if err != nil {
		return Decision{}, err
	}
	d := v.(Decision)
	r.observe(d)
	return d, nil
}

func (r *Resolver) resolve(ctx context.Context, req CheckRequest) (Decision, error) {
	now := r.now()
	deny := func(source string, trace ...string) Decision {
		if len(trace) == 0 {
			trace = []string{source}
		}
		return Decision{Source: source, Sources: trace, Permission: req.Permission, ResourceID: req.ResourceID, ResolvedAt: now}
	}
	allow := func(source string, trace ...string) Decision {
		if len(trace) == 0 {
			trace = []string{source}
		}
		return Decision{Allowed: true, Source: source, Sources: trace, Permission: req.Permission, ResourceID: req.ResourceID, ResolvedAt: now}
	}

	user, err := r.users.GetUser(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	if !user.IsActive {
		return deny(SourceInactiveUser), nil
	}

	state, err := r.states.EffectiveState(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	if state.RoleName == shared.RoleSuperadmin {
		return allow(SourceSuperadmin), nil
	}

	denied := toSet(state.CustomDenied)
	source, trace := baseTrace(state, req.Permission, now)

	allowed := source != SourceNone && !denied[req.Permission]
	if !allowed {
		if name, ok := r.contextGrant(ctx, state, user, req); ok {
			// Context grants stack on top of denials rather than under
			// them: a denied permission can still be reached through a
			// matching context.
			allowed = true
			source = SourceContext + ":" + name
			trace = []string{source}
		}
	}

	if req.ResourceID != "" {
		resourceType, _ := shared.SplitPermissionName(req.Permission)
		if o, ok := state.OverrideFor(resourceType, req.ResourceID); ok && o.Active(now) {
			if contains(o.Denied, req.Permission) {
				return deny(SourceOverride), nil
			}
			if contains(o.Granted, req.Permission) {
				return allow(SourceOverride), nil
			}
		}
	}

	if !allowed {
		if denied[req.Permission] {
			return deny(SourceCustom), nil
		}
		return deny(SourceNone), nil
	}
	return allow(source, trace...), nil
}

// contextGrant reports whether any assigned context grants the permission
// for the requested resource instance. A context that cannot be evaluated,
// because the instance is missing or its fetch timed out, never applies.
func (r *Resolver) contextGrant(ctx context.Context, state grants.EffectiveState, user identity.User, req CheckRequest) (string, bool) {
	if req.ResourceID == "" || r.fetcher == nil {
		return "", false
	}
	resourceType, _ := shared.SplitPermissionName(req.Permission)

	var instance resources.Instance
	fetched := false
	for _, cv := range state.Contexts {
		if cv.ResourceType != resourceType || !contains(cv.Permissions, req.Permission) {
			continue
		}
		if !fetched {
			fetched = true
			var err error
			instance, err = r.fetcher.Fetch(ctx, resourceType, req.ResourceID)
			if err != nil {
				r.logger.Warn("resource fetch failed, contexts inapplicable",
					slog.String("resource_type", resourceType),
					slog.String("resource_id", req.ResourceID),
					slog.Any("error", err))
				return "", false
			}
		}
		pc := contexts.PermissionContext{Name: cv.Name, ResourceType: cv.ResourceType, Condition: cv.Condition}
		if contexts.Applies(pc, instance, user.FieldMap()) {
			return cv.Name, true
		}
	}
	return "", false
}

// PermissionGrant is one effective permission with every layer that
// contributes it.
type PermissionGrant struct {
	Name    string   `json:"name"`
	Sources []string `json:"sources"`
}

// PermissionSummary is the aggregate read model for one user: everything
// unconditional flattened with per-permission sources, plus the conditional
// layers listed separately.
type PermissionSummary struct {
	UserID      int64                     `json:"user_id"`
	Role        string                    `json:"role,omitempty"`
	Permissions []PermissionGrant         `json:"permissions"`
	Denied      []string                  `json:"denied,omitempty"`
	Temporary   []grants.TemporaryGrant   `json:"-"`
	Contexts    []grants.ContextView      `json:"-"`
	Overrides   []grants.ResourceOverride `json:"-"`
	ResolvedAt  time.Time                 `json:"resolved_at"`
}

// EffectivePermissions flattens the unconditional layers for one user and
// carries the conditional ones alongside. Expired temporary grants are
// dropped.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID int64) (PermissionSummary, error) {
	now := r.now()
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return PermissionSummary{}, err
	}
	state, err := r.states.EffectiveState(ctx, userID)
	if err != nil {
		return PermissionSummary{}, err
	}

	summary := PermissionSummary{
		UserID:     userID,
		Role:       state.RoleName,
		Denied:     state.CustomDenied,
		Contexts:   state.Contexts,
		Overrides:  activeOverrides(state.Overrides, now),
		ResolvedAt: now,
	}
	if !user.IsActive {
		summary.Permissions = []PermissionGrant{}
		return summary, nil
	}

	denied := toSet(state.CustomDenied)
	sources := map[string][]string{}
	for _, name := range state.RolePermissions {
		if !denied[name] {
			sources[name] = append(sources[name], roleTag(state.RoleName))
		}
	}
	for _, name := range state.CustomGranted {
		if !denied[name] {
			sources[name] = append(sources[name], SourceCustom)
		}
	}
	for _, g := range state.TemporaryGrants {
		if g.Expired(now) {
			continue
		}
		summary.Temporary = append(summary.Temporary, g)
		if !denied[g.Permission] {
			sources[g.Permission] = append(sources[g.Permission], temporaryTag(g.Reason))
		}
	}
	summary.Permissions = make([]PermissionGrant, 0, len(sources))
	for name, tags := range sources {
		summary.Permissions = append(summary.Permissions, PermissionGrant{Name: name, Sources: tags})
	}
	sort.Slice(summary.Permissions, func(i, j int) bool {
		return summary.Permissions[i].Name < summary.Permissions[j].Name
	})
	return summary, nil
}

func (r *Resolver) observe(d Decision) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveDecision(d.Source, d.Allowed, d.Cached)
}

// baseTrace reports the strongest unconditional layer granting the
// permission plus the full list of contributing tags.
func baseTrace(state grants.EffectiveState, permission string, now time.Time) (string, []string) {
	source := SourceNone
	var trace []string
	if contains(state.RolePermissions, permission) {
		source = SourceRole
		trace = append(trace, roleTag(state.RoleName))
	}
	if contains(state.CustomGranted, permission) {
		if source == SourceNone {
			source = SourceCustom
		}
		trace = append(trace, SourceCustom)
	}
	for _, g := range state.TemporaryGrants {
		if g.Permission == permission && !g.Expired(now) {
			if source == SourceNone {
				source = SourceTemporary
			}
			trace = append(trace, temporaryTag(g.Reason))
			break
		}
	}
	return source, trace
}

func roleTag(roleName string) string {
	if roleName == "" {
		return SourceRole
	}
	return roleName
}

func temporaryTag(reason string) string {
	if reason == "" {
		return SourceTemporary
	}
	return SourceTemporary + ":" + reason
}

func activeOverrides(overrides []grants.ResourceOverride, now time.Time) []grants.ResourceOverride {
	out := overrides[:0:0]
	for _, o := range overrides {
		if o.Active(now) {
			out = append(out, o)
		}
	}
	return out
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

func contains(names []string, target string) bool {
	for _, name := range names {
		if name == target {
			return true
		}
	}
	return false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
