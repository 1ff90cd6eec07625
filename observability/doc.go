// Package observability provides an OpenTelemetry-based metrics
// extension for the bridge. The MetricsExtension implements lifecycle
// hooks to record system-wide counters for job admission, slot
// acquisition, terminal outcomes, and query resolutions, plus a
// histogram of job duration.
//
// Register it on the hook registry:
//
//	hooks := hook.NewRegistry(logger)
//	hooks.Register(observability.NewMetricsExtension())
package observability
