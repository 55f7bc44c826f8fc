// Package telemetry provides observability instrumentation for stackpilot.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and deployment event publishing.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv := tel.Metrics.StartMetricsServer(":9090", tel.Logger.Zerolog())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("deployer").WithIdentity(id)
//	logger.WithAttempt(2).Info("Resubmitting stack")
//
// Components accept a zerolog.Logger through functional options; pass
// Logger.Zerolog() to them.
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartDeploySpan(ctx, id, deploymentID)
//	defer span.End()
//	telemetry.RecordError(span, err)
//
// Supported exporters: otlp (gRPC), stdout, none. A nil *Tracer yields no-op
// spans, so components may hold an unset tracer.
//
// # Metrics
//
//	tel.Metrics.DeploymentStarted()
//	tel.Metrics.DeploymentFinished("succeeded", "", elapsed)
//	tel.Metrics.RecordRecovery("continue_rollback", "applied")
//	tel.Metrics.RecordProviderError("CreateStack", "transient")
//
// All recording methods are safe on a nil or disabled *Metrics.
//
// # Events
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeDeployTransition))
//
// Subscribers receive events in publish order.
package telemetry
