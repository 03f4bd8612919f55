package reactor

// Option configures a Pool at construction time, following the teacher's
// functional-options pattern (eventloop/options.go's LoopOption) generalized
// from a single-purpose loop to the pool's allocator/logging hooks.
type Option func(*poolOptions)

type poolOptions struct {
	allocator Allocator
	logger    AllocFailureLogger
}

func resolveOptions(opts []Option) poolOptions {
	var o poolOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAllocator overrides the default sync.Pool-backed Allocator.
func WithAllocator(a Allocator) Option {
	return func(o *poolOptions) { o.allocator = a }
}

// WithAllocFailureLogger registers a callback invoked whenever the pool
// fails to obtain a Job from the Allocator, mirroring the original API's
// pluggable error-reporting hook for allocation failures.
func WithAllocFailureLogger(l AllocFailureLogger) Option {
	return func(o *poolOptions) { o.logger = l }
}
