// Package telemetry sets up the observability stack of drcloud processes:
// structured logging with zerolog, OpenTelemetry tracing and Prometheus
// metrics.
//
// Initialize telemetry at process startup and hand the pieces to the
// components that need them:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// Components never reach for a global logger; each takes a zerolog.Logger
// in its options and derives a child with a "component" field.
//
// Metrics and Tracer are safe to use when nil or disabled, so tests can
// leave them unset. Logs go to stderr by default because task processes use
// stdout for their protocol.
package telemetry
