// Package provider defines the config source abstraction consumed by
// internal/config's Loader. Only the file-backed provider is implemented
// here — no component in this system is a multi-node config consumer, so
// a consul/etcd/zookeeper-backed provider is not carried over (see
// DESIGN.md).
package provider

import "context"

// Provider abstracts config sources. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Load reads raw config bytes from the source.
	Load(ctx context.Context) ([]byte, error)
	// Watch starts watching for changes and signals via the returned
	// channel. Cancel ctx to stop watching. Returns a nil channel if
	// watching is not supported.
	Watch(ctx context.Context) (<-chan struct{}, error)
	// Close releases any resources held by the provider.
	Close() error
}
