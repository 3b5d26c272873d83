// Package telemetry provides observability instrumentation for the
// deoxy controller.
//
// The package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and metrics (Prometheus) into a unified
// system for monitoring protocol runs and device activity.
//
// # Structured Logging
//
// NewLogger builds the process-wide zerolog logger from configuration;
// helpers tag child loggers with the controller's standard field names:
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	engineLog := telemetry.ComponentLogger(logger, "runner")
//	runLog := telemetry.WithRunID(engineLog, runID)
//	runLog.Info().Msg("run started")
//
// # Metrics
//
// Metrics records run lifecycle counters, per-device actuation and
// sensor-read counters and run/step duration histograms. The recording
// methods are nil-safe, so packages instrument unconditionally and the
// process decides at startup whether metrics exist:
//
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	mux.Handle("/metrics", metrics.Handler())
//
// # Tracing
//
// The tracer emits run.execute and step.execute spans with run, program,
// step and device attributes, exported over OTLP gRPC or stdout:
//
//	tracer, err := telemetry.NewTracer(cfg.Tracing, "deoxy", version, env)
//	defer tracer.Shutdown(ctx)
//	ctx, span := tracer.StartRunSpan(ctx, runID, programID)
//	defer span.End()
package telemetry
