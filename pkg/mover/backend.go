package mover

import "context"

// Backend moves files between the local filesystem and one storage family.
//
// Get and Put must leave either a complete destination or none.
type Backend interface {
	Exists(ctx context.Context, u URL) (bool, error)
	Get(ctx context.Context, u URL, dest string, opts ...Option) error
	Put(ctx context.Context, src string, u URL, opts ...Option) error
	Multi(ctx context.Context, srcDir string, u URL, relPaths []string, opts ...Option) error
}

// CallOptions are per-call settings resolved from Options.
type CallOptions struct {
	Overwrite bool
}

// Option adjusts a single call.
type Option func(*CallOptions)

// WithOverwrite allows replacing an existing destination.
func WithOverwrite() Option {
	return func(o *CallOptions) { o.Overwrite = true }
}

// ApplyOptions resolves opts. Backends call this at the top of each method.
func ApplyOptions(opts []Option) CallOptions {
	var o CallOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
