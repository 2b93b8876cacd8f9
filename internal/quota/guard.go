package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

// UsageSource reads workspace consumption and plan ceilings.
type UsageSource interface {
	GetWorkspaceUsage(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceUsage, error)
	GetWorkspaceLimits(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceLimits, error)
}

// Guard answers admission checks against workspace quotas. It never records
// consumption itself; callers account usage after the guarded acquisition
// succeeds. Any lookup failure denies the request (fail closed).
type Guard struct {
	source UsageSource
	cache  UsageCache // nil disables caching
	logger zerolog.Logger
}

func NewGuard(source UsageSource, cache UsageCache, logger zerolog.Logger) *Guard {
	return &Guard{
		source: source,
		cache:  cache,
		logger: logger.With().Str("component", "quota_guard").Logger(),
	}
}

// Admit decides whether a workspace may consume amount units of kind.
// Denied iff currentUsage + amount > limit.
func (g *Guard) Admit(ctx context.Context, workspaceID uuid.UUID, kind domain.ResourceKind, amount int64) (domain.QuotaDecision, error) {
	usage, err := g.lookupUsage(ctx, workspaceID)
	if err != nil {
		g.logger.Error().Err(err).Str("workspace_id", workspaceID.String()).Msg("usage lookup failed")
		return denyUnavailable(), fmt.Errorf("usage lookup: %w", err)
	}
	limits, err := g.lookupLimits(ctx, workspaceID)
	if err != nil {
		g.logger.Error().Err(err).Str("workspace_id", workspaceID.String()).Msg("limits lookup failed")
		return denyUnavailable(), fmt.Errorf("limits lookup: %w", err)
	}

	current := usage.Consumed(kind)
	limit := limits.Limit(kind)
	decision := domain.QuotaDecision{
		Allowed:      current+amount <= limit,
		CurrentUsage: current,
		Limit:        limit,
	}
	if !decision.Allowed {
		decision.Reason, decision.Suggestion = denialText(kind)
		g.logger.Info().
			Str("workspace_id", workspaceID.String()).
			Str("kind", string(kind)).
			Int64("requested", amount).
			Int64("current", current).
			Int64("limit", limit).
			Msg("quota denied")
	}
	return decision, nil
}

// Invalidate drops the cached usage row after consumption was recorded.
func (g *Guard) Invalidate(ctx context.Context, workspaceID uuid.UUID) {
	if g.cache == nil {
		return
	}
	if err := g.cache.InvalidateUsage(ctx, workspaceID); err != nil {
		g.logger.Warn().Err(err).Str("workspace_id", workspaceID.String()).Msg("usage cache invalidation failed")
	}
}

func (g *Guard) lookupUsage(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceUsage, error) {
	if g.cache != nil {
		cached, err := g.cache.GetUsage(ctx, workspaceID)
		if err != nil {
			g.logger.Warn().Err(err).Msg("usage cache read failed")
		} else if cached != nil {
			return *cached, nil
		}
	}
	usage, err := g.source.GetWorkspaceUsage(ctx, workspaceID)
	if err != nil {
		return domain.WorkspaceUsage{}, err
	}
	if g.cache != nil {
		if err := g.cache.SetUsage(ctx, workspaceID, usage); err != nil {
			g.logger.Warn().Err(err).Msg("usage cache write failed")
		}
	}
	return usage, nil
}

func (g *Guard) lookupLimits(ctx context.Context, workspaceID uuid.UUID) (domain.WorkspaceLimits, error) {
	if g.cache != nil {
		cached, err := g.cache.GetLimits(ctx, workspaceID)
		if err != nil {
			g.logger.Warn().Err(err).Msg("limits cache read failed")
		} else if cached != nil {
			return *cached, nil
		}
	}
	limits, err := g.source.GetWorkspaceLimits(ctx, workspaceID)
	if err != nil {
		return domain.WorkspaceLimits{}, err
	}
	if g.cache != nil {
		if err := g.cache.SetLimits(ctx, workspaceID, limits); err != nil {
			g.logger.Warn().Err(err).Msg("limits cache write failed")
		}
	}
	return limits, nil
}

func denyUnavailable() domain.QuotaDecision {
	return domain.QuotaDecision{
		Allowed:    false,
		Reason:     "quota check unavailable",
		Suggestion: "retry shortly",
	}
}

func denialText(kind domain.ResourceKind) (reason, suggestion string) {
	if kind == domain.ResourceStorage {
		return "storage quota exceeded", "upgrade your plan or delete old files"
	}
	return "processing quota exceeded", "upgrade your plan"
}
