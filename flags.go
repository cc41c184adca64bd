package stagewise

import "context"

// FeatureFlags answers per-tenant capability questions. The host application
// owns flag storage; the engine only asks yes/no.
type FeatureFlags interface {
	ParallelWorkflowsEnabled(ctx context.Context, tenantID string) bool
	ConditionalRoutingEnabled(ctx context.Context, tenantID string) bool
}

// StaticFlags is a fixed FeatureFlags implementation, useful for tests and
// single-tenant deployments.
type StaticFlags struct {
	Parallel    bool
	Conditional bool
}

func (f StaticFlags) ParallelWorkflowsEnabled(ctx context.Context, tenantID string) bool {
	return f.Parallel
}

func (f StaticFlags) ConditionalRoutingEnabled(ctx context.Context, tenantID string) bool {
	return f.Conditional
}
