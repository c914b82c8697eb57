package container

import "context"

// RunOptions holds options for a one-off container run
type RunOptions struct {
	Image       string
	Name        string
	Mounts      []Mount
	Environment map[string]string
	WorkDir     string
	Command     []string
	Remove      bool
}

// Mount represents a volume mount
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Runtime runs a container to completion and returns its combined
// output. Implementations honor ctx for cancellation.
type Runtime interface {
	Run(ctx context.Context, opts RunOptions) (string, error)
}
