package domain

import (
	"github.com/google/uuid"
)

// ResourceKind names a metered resource the quota guard can admit against.
type ResourceKind string

const (
	// ResourceStorage is metered in bytes.
	ResourceStorage ResourceKind = "storage"
	// ResourceProcessing is metered in seconds of audio processed. The
	// caller-facing name keeps the plan wording of minutes.
	ResourceProcessing ResourceKind = "processing-minutes"
)

// WorkspaceUsage is the consumed amount per resource kind for one workspace.
type WorkspaceUsage struct {
	WorkspaceID       uuid.UUID
	StorageBytes      int64
	ProcessingSeconds int64
}

// Consumed returns the usage for one kind in its base unit.
func (u WorkspaceUsage) Consumed(kind ResourceKind) int64 {
	if kind == ResourceStorage {
		return u.StorageBytes
	}
	return u.ProcessingSeconds
}

// WorkspaceLimits is the plan ceiling per resource kind for one workspace.
type WorkspaceLimits struct {
	WorkspaceID            uuid.UUID
	PlanName               string
	StorageLimitBytes      int64
	ProcessingLimitSeconds int64
}

// Limit returns the ceiling for one kind in its base unit.
func (l WorkspaceLimits) Limit(kind ResourceKind) int64 {
	if kind == ResourceStorage {
		return l.StorageLimitBytes
	}
	return l.ProcessingLimitSeconds
}

// Free plan ceilings applied to workspaces without a plan row.
const (
	FreeStorageLimitBytes      int64 = 1 * 1024 * 1024 * 1024 // 1GB
	FreeProcessingLimitSeconds int64 = 60 * 60                // 60 minutes
)

// DefaultLimits returns the free plan for a workspace.
func DefaultLimits(workspaceID uuid.UUID) WorkspaceLimits {
	return WorkspaceLimits{
		WorkspaceID:            workspaceID,
		PlanName:               "free",
		StorageLimitBytes:      FreeStorageLimitBytes,
		ProcessingLimitSeconds: FreeProcessingLimitSeconds,
	}
}

// QuotaDecision is the outcome of one admission check. Reason and Suggestion
// are user-facing and set only on denial.
type QuotaDecision struct {
	Allowed      bool
	Reason       string
	Suggestion   string
	CurrentUsage int64
	Limit        int64
}
