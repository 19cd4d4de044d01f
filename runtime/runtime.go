// Package runtime abstracts the container orchestration backend used to
// realize worker instances. The orchestration core only ever calls the
// three-method Runtime interface; the Docker implementation is the
// production backend.
package runtime

import "context"

// DefaultWorkerImage is the image used when a profile does not name one.
const DefaultWorkerImage = "legionhq/legion-worker:latest"

// Spec describes the container to start for a worker instance.
type Spec struct {
	// InstanceID is the orchestrator-assigned worker instance id,
	// injected into the container environment.
	InstanceID string

	// Profile is the worker profile name the container serves.
	Profile string

	// Image is the container image to run.
	Image string

	// Env is additional environment in KEY=VALUE form.
	Env []string

	// Memory is an optional memory limit in bytes (0 = unlimited).
	Memory int64

	// CPUs is an optional CPU quota in whole or fractional CPUs (0 = unlimited).
	CPUs float64
}

// Runtime manages worker containers. All methods are idempotent and
// safe to retry: creating an already-running instance returns its id,
// stopping a stopped instance is a no-op.
type Runtime interface {
	// Create starts a container for the spec and returns its id.
	Create(ctx context.Context, spec Spec) (string, error)

	// Stop stops and removes the container.
	Stop(ctx context.Context, id string) error

	// Alive reports whether the container is running.
	Alive(ctx context.Context, id string) (bool, error)
}
