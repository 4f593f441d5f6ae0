package observability

// NoopManager returns a Manager with every subsystem disabled, so
// embedding this package never forces an OTel/Prometheus backend on a
// caller that hasn't configured one. All of Manager's accessors are
// already nil-safe, so the zero Manager and NoopManager's result behave
// identically; NoopManager exists only to make that default explicit at
// call sites.
func NoopManager() *Manager {
	return &Manager{}
}
