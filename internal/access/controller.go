// Package access decides whether a principal may act on a resource.
//
// A request is allowed when the principal owns the resource, holds a grant
// of at least the required level, or carries roles the policy engine maps
// to a sufficient level. Anything else is denied. Ownership cannot be
// revoked and there are no deny grants.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/sessiond/internal/clock"
	"github.com/xiaot623/gogo/sessiond/internal/codec"
	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/repository"
	"github.com/xiaot623/gogo/sessiond/policy"
)

// Controller stores owner records and grants in a repository.Backend and
// falls back to the policy engine for role-based access.
type Controller struct {
	backend   repository.Backend
	engine    *policy.Engine
	codec     codec.Codec
	clock     clock.Clock
	log       zerolog.Logger
	retrier   repository.Retrier
	namespace string
}

// Config tunes the controller.
type Config struct {
	Namespace string
	Retrier   repository.Retrier
	Codec     codec.Codec
	Clock     clock.Clock
	Log       zerolog.Logger
}

// New creates a controller. engine may be nil, in which case roles confer
// no access.
func New(backend repository.Backend, engine *policy.Engine, cfg Config) *Controller {
	c := &Controller{
		backend:   backend,
		engine:    engine,
		codec:     cfg.Codec,
		clock:     cfg.Clock,
		log:       cfg.Log,
		retrier:   cfg.Retrier,
		namespace: cfg.Namespace,
	}
	if c.codec == nil {
		c.codec = codec.JSON{}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.namespace == "" {
		c.namespace = "agent:session:"
	}
	if c.retrier.Attempts == 0 {
		c.retrier = repository.NewRetrier(0, 0, c.log)
	}
	return c
}

func (c *Controller) ownerKey(rt domain.ResourceType, id string) string {
	return fmt.Sprintf("%sacl:owner:%s:%s", c.namespace, rt, id)
}

func (c *Controller) grantPrefix(rt domain.ResourceType, id string) string {
	return fmt.Sprintf("%sacl:grant:%s:%s:", c.namespace, rt, id)
}

func (c *Controller) grantKey(rt domain.ResourceType, id, grantee string) string {
	return c.grantPrefix(rt, id) + grantee
}

func validateResource(rt domain.ResourceType, id string) error {
	if !rt.Valid() {
		return fmt.Errorf("%w: unknown resource type %q", domain.ErrInvalidArgument, rt)
	}
	if id == "" || strings.Contains(id, ":") {
		return fmt.Errorf("%w: invalid resource id %q", domain.ErrInvalidArgument, id)
	}
	return nil
}

// Check reports whether p holds at least required on the resource. The
// owner path is tried first, then grants, then the role policy.
func (c *Controller) Check(ctx context.Context, p domain.Principal, rt domain.ResourceType, id string, required domain.AccessLevel) (bool, error) {
	if required == domain.AccessNone {
		return true, nil
	}
	if err := validateResource(rt, id); err != nil {
		return false, err
	}

	owner, err := c.Owner(ctx, rt, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if owner != "" && owner == p.ID && domain.AccessOwner.Satisfies(required) {
		return true, nil
	}

	grant, err := c.grant(ctx, rt, id, p.ID)
	if err != nil {
		return false, err
	}
	if grant.Satisfies(required) {
		return true, nil
	}

	byRole, err := c.roleLevel(ctx, p, rt, id, required)
	if err != nil {
		return false, err
	}
	return byRole.Satisfies(required), nil
}

// Level returns the highest level p holds on the resource through any path.
func (c *Controller) Level(ctx context.Context, p domain.Principal, rt domain.ResourceType, id string) (domain.AccessLevel, error) {
	if err := validateResource(rt, id); err != nil {
		return domain.AccessNone, err
	}
	level := domain.AccessNone

	owner, err := c.Owner(ctx, rt, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.AccessNone, err
	}
	if owner != "" && owner == p.ID {
		level = domain.AccessOwner
	}

	grant, err := c.grant(ctx, rt, id, p.ID)
	if err != nil {
		return domain.AccessNone, err
	}
	if grant > level {
		level = grant
	}

	byRole, err := c.roleLevel(ctx, p, rt, id, domain.AccessNone)
	if err != nil {
		return domain.AccessNone, err
	}
	if byRole > level {
		level = byRole
	}
	return level, nil
}

// Grant gives grantee level on the resource, replacing any earlier grant.
// The grantor needs owner level or above and cannot hand out more than it
// holds. Granting none revokes.
func (c *Controller) Grant(ctx context.Context, rt domain.ResourceType, id string, grantor domain.Principal, grantee string, level domain.AccessLevel) error {
	if err := validateResource(rt, id); err != nil {
		return err
	}
	if grantee == "" {
		return fmt.Errorf("%w: grantee is required", domain.ErrInvalidArgument)
	}
	if !level.Valid() {
		return fmt.Errorf("%w: invalid level %d", domain.ErrInvalidArgument, int(level))
	}

	held, err := c.Level(ctx, grantor, rt, id)
	if err != nil {
		return err
	}
	if !held.Satisfies(domain.AccessOwner) {
		return fmt.Errorf("%w: %s cannot grant on %s/%s", domain.ErrPermissionDenied, grantor.ID, rt, id)
	}
	if level > held {
		return fmt.Errorf("%w: %s cannot grant %s above its own level", domain.ErrPermissionDenied, grantor.ID, level)
	}
	if level == domain.AccessNone {
		return c.deleteGrant(ctx, rt, id, grantee)
	}

	data, err := c.codec.Marshal(domain.Grant{
		ResourceType: rt,
		ResourceID:   id,
		Grantee:      grantee,
		Level:        level,
		GrantedBy:    grantor.ID,
		UpdatedAt:    c.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode grant: %v", domain.ErrStorage, err)
	}
	key := c.grantKey(rt, id, grantee)
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.backend.Set(ctx, key, data, 0)
	})
	if err != nil {
		return err
	}
	c.log.Debug().Str("resource", key).Str("grantee", grantee).Stringer("level", level).Msg("grant stored")
	return nil
}

// Revoke removes grantee's grant on the resource. Revoking a grant that
// does not exist succeeds. Ownership cannot be revoked.
func (c *Controller) Revoke(ctx context.Context, rt domain.ResourceType, id string, grantor domain.Principal, grantee string) error {
	if err := validateResource(rt, id); err != nil {
		return err
	}
	ok, err := c.Check(ctx, grantor, rt, id, domain.AccessOwner)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot revoke on %s/%s", domain.ErrPermissionDenied, grantor.ID, rt, id)
	}
	return c.deleteGrant(ctx, rt, id, grantee)
}

func (c *Controller) deleteGrant(ctx context.Context, rt domain.ResourceType, id, grantee string) error {
	key := c.grantKey(rt, id, grantee)
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.backend.Delete(ctx, key)
	})
}

// RegisterOwner records owner as the single owner of the resource.
// Registering the same owner again is a no-op; a different owner yields
// ErrConflict.
func (c *Controller) RegisterOwner(ctx context.Context, rt domain.ResourceType, id, owner string) error {
	if err := validateResource(rt, id); err != nil {
		return err
	}
	if owner == "" {
		return fmt.Errorf("%w: owner is required", domain.ErrInvalidArgument)
	}
	data, err := c.codec.Marshal(domain.OwnerRecord{
		ResourceType: rt,
		ResourceID:   id,
		Owner:        owner,
		CreatedAt:    c.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode owner: %v", domain.ErrStorage, err)
	}

	var created bool
	key := c.ownerKey(rt, id)
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		created, err = c.backend.CompareAndSwap(ctx, key, 0, data, 0)
		return err
	})
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	existing, err := c.Owner(ctx, rt, id)
	if err != nil {
		return err
	}
	if existing != owner {
		return fmt.Errorf("%w: %s/%s already owned by %s", domain.ErrConflict, rt, id, existing)
	}
	return nil
}

// Owner returns the owner of the resource, or ErrNotFound.
func (c *Controller) Owner(ctx context.Context, rt domain.ResourceType, id string) (string, error) {
	var entry repository.Entry
	key := c.ownerKey(rt, id)
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = c.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		return "", err
	}
	var rec domain.OwnerRecord
	if err := c.codec.Unmarshal(entry.Value, &rec); err != nil {
		return "", fmt.Errorf("owner record %s: %w", key, err)
	}
	return rec.Owner, nil
}

// Grants lists the grants stored for the resource, ordered by grantee.
func (c *Controller) Grants(ctx context.Context, rt domain.ResourceType, id string) ([]domain.Grant, error) {
	if err := validateResource(rt, id); err != nil {
		return nil, err
	}
	var grants []domain.Grant
	err := c.scan(ctx, c.grantPrefix(rt, id), func(e repository.Entry) {
		var g domain.Grant
		if err := c.codec.Unmarshal(e.Value, &g); err != nil {
			c.log.Warn().Err(err).Str("key", e.Key).Msg("skipping unreadable grant")
			return
		}
		grants = append(grants, g)
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// DropResource removes the owner record and every grant of the resource.
func (c *Controller) DropResource(ctx context.Context, rt domain.ResourceType, id string) error {
	if err := validateResource(rt, id); err != nil {
		return err
	}
	var keys []string
	if err := c.scan(ctx, c.grantPrefix(rt, id), func(e repository.Entry) {
		keys = append(keys, e.Key)
	}); err != nil {
		return err
	}
	keys = append(keys, c.ownerKey(rt, id))
	for _, key := range keys {
		err := c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.backend.Delete(ctx, key)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) scan(ctx context.Context, prefix string, fn func(repository.Entry)) error {
	cursor := ""
	for {
		var (
			entries []repository.Entry
			next    string
		)
		err := c.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			entries, next, err = c.backend.Scan(ctx, prefix, cursor, 100)
			return err
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			fn(e)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// grant returns the level granted to principalID, or AccessNone.
func (c *Controller) grant(ctx context.Context, rt domain.ResourceType, id, principalID string) (domain.AccessLevel, error) {
	if principalID == "" {
		return domain.AccessNone, nil
	}
	var entry repository.Entry
	key := c.grantKey(rt, id, principalID)
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = c.backend.Get(ctx, key)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AccessNone, nil
	}
	if err != nil {
		return domain.AccessNone, err
	}
	var g domain.Grant
	if err := c.codec.Unmarshal(entry.Value, &g); err != nil {
		return domain.AccessNone, fmt.Errorf("grant %s: %w", key, err)
	}
	return g.Level, nil
}

func (c *Controller) roleLevel(ctx context.Context, p domain.Principal, rt domain.ResourceType, id string, required domain.AccessLevel) (domain.AccessLevel, error) {
	if c.engine == nil || len(p.Roles) == 0 {
		return domain.AccessNone, nil
	}
	level, err := c.engine.Evaluate(ctx, policy.Input{
		Principal: policy.InputPrincipal{ID: p.ID, Roles: p.Roles},
		Resource:  policy.InputResource{Type: string(rt), ID: id},
		Required:  required.String(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("principal", p.ID).Msg("role policy evaluation failed, denying")
		return domain.AccessNone, nil
	}
	return level, nil
}
