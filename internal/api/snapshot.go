package api

// MarketSnapshotProvider is the engine-side interface the dashboard depends
// on. The engine builds its own DashboardSnapshot directly from its
// subsystems (registry, book store, order manager, risk manager) since it
// already holds every field the snapshot needs — BuildSnapshot stays a thin
// pass-through so handlers never reach into engine internals.
type MarketSnapshotProvider interface {
	Snapshot() DashboardSnapshot
}

// BuildSnapshot returns the provider's current snapshot.
func BuildSnapshot(provider MarketSnapshotProvider) DashboardSnapshot {
	return provider.Snapshot()
}
