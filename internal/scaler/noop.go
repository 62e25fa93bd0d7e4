package scaler

import "context"

// NoopBackend implements Backend for non-autoscaled deployments or tests;
// clusters under it are expected to already be Ready via
// clusterstate.Registry.Sweep, so its methods are never meaningfully
// exercised in production but keep the Loop wiring uniform.
type NoopBackend struct{}

func (NoopBackend) Start(ctx context.Context, group, cluster string) error   { return nil }
func (NoopBackend) Stop(ctx context.Context, group, cluster string) error    { return nil }
func (NoopBackend) IsReady(ctx context.Context, group, cluster string) (bool, error) {
	return true, nil
}
