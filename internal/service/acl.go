package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/sessiond/internal/domain"
	"github.com/xiaot623/gogo/sessiond/internal/ratelimit"
)

// ShareSession grants grantee access to the session. An empty level uses
// the configured share default.
func (s *Service) ShareSession(ctx context.Context, p domain.Principal, sessionID string, req domain.ShareSessionRequest) error {
	level := s.shareDefault
	if req.Level != "" {
		parsed, err := domain.ParseAccessLevel(req.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	return s.Grant(ctx, p, domain.GrantRequest{
		ResourceType: domain.ResourceSession,
		ResourceID:   sessionID,
		Grantee:      req.Grantee,
		Level:        level.String(),
	})
}

// Grant creates or replaces a grant.
func (s *Service) Grant(ctx context.Context, p domain.Principal, req domain.GrantRequest) error {
	if err := s.admit(p, ratelimit.ClassAdmin); err != nil {
		return err
	}
	level, err := domain.ParseAccessLevel(req.Level)
	if err != nil {
		return err
	}
	if err := s.access.Grant(ctx, req.ResourceType, req.ResourceID, p, req.Grantee, level); err != nil {
		return err
	}
	s.log.Info().
		Str("resource_type", string(req.ResourceType)).
		Str("resource_id", req.ResourceID).
		Str("grantee", req.Grantee).
		Str("level", level.String()).
		Str("by", p.ID).
		Msg("access granted")
	return nil
}

// Revoke removes grantee's grant.
func (s *Service) Revoke(ctx context.Context, p domain.Principal, rt domain.ResourceType, resourceID, grantee string) error {
	if err := s.admit(p, ratelimit.ClassAdmin); err != nil {
		return err
	}
	if grantee == "" {
		return fmt.Errorf("%w: grantee is required", domain.ErrInvalidArgument)
	}
	return s.access.Revoke(ctx, rt, resourceID, p, grantee)
}

// CheckAccess reports whether p holds required on the resource, together
// with the highest level p holds.
func (s *Service) CheckAccess(ctx context.Context, p domain.Principal, rt domain.ResourceType, resourceID string, required domain.AccessLevel) (domain.CheckAccessResponse, error) {
	if err := s.admit(p, ratelimit.ClassRead); err != nil {
		return domain.CheckAccessResponse{}, err
	}
	allowed, err := s.access.Check(ctx, p, rt, resourceID, required)
	if err != nil {
		return domain.CheckAccessResponse{}, err
	}
	level, err := s.access.Level(ctx, p, rt, resourceID)
	if err != nil {
		return domain.CheckAccessResponse{}, err
	}
	return domain.CheckAccessResponse{Allowed: allowed, Level: level.String()}, nil
}

// Grants lists grants on a resource. Requires owner level.
func (s *Service) Grants(ctx context.Context, p domain.Principal, rt domain.ResourceType, resourceID string) ([]domain.Grant, error) {
	if err := s.admit(p, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	ok, err := s.access.Check(ctx, p, rt, resourceID, domain.AccessOwner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot list grants on %s/%s", domain.ErrPermissionDenied, p.ID, rt, resourceID)
	}
	return s.access.Grants(ctx, rt, resourceID)
}
