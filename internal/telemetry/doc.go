// Package telemetry provides OpenTelemetry tracing and metrics export.
//
//	tel, err := telemetry.New(ctx, telemetry.FromFileConfig(cfg.Telemetry, version))
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("rulesmith.pipeline").Start(ctx, "pipeline.Process")
//	defer span.End()
//
// Tests use NewTestTelemetry and assert on recorded spans.
package telemetry
