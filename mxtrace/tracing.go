// Package mxtrace defines the optional tracing collaborator: a zone/marker/
// plot surface the scheduler core never calls directly, only through the
// façade's callback points, plus a concrete Prometheus-backed implementation
// for deployments that want it.
package mxtrace

// Provider is the tracing/profiling surface a deployment may wire into a
// scheduler through its before-sleep/after-wake/on-task-executed/on-idle
// callbacks. Every method is a no-op in NoopProvider, so installing nothing
// costs nothing.
type Provider interface {
	// ZoneBegin/ZoneEnd bracket a named span of work on workerIndex (e.g.
	// one task's execution).
	ZoneBegin(workerIndex int, name string)
	ZoneEnd(workerIndex int)

	// Marker records an instantaneous, named event.
	Marker(workerIndex int, name string)

	// Plot records a numeric sample against a named series (e.g. queue
	// depth, live task count).
	Plot(name string, value float64)

	// Alloc/Free track task-allocator slab activity.
	Alloc(size int)
	Free()
}

// NoopProvider implements Provider with empty methods; it is the default
// when no tracing collaborator is installed.
type NoopProvider struct{}

func (NoopProvider) ZoneBegin(workerIndex int, name string) {}
func (NoopProvider) ZoneEnd(workerIndex int)                {}
func (NoopProvider) Marker(workerIndex int, name string)     {}
func (NoopProvider) Plot(name string, value float64)         {}
func (NoopProvider) Alloc(size int)                          {}
func (NoopProvider) Free()                                   {}

var _ Provider = NoopProvider{}
