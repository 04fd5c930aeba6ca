// Package logging provides structured logging for rulesmith.
//
// Logger wraps Zap with:
//   - context field injection (trace_id, request.id, user.id, conversation.id)
//   - secret redaction for field keys and credential-shaped values
//   - level-aware sampling (errors are never sampled)
//   - optional OpenTelemetry log export via otelzap
//
// # Usage
//
//	cfg, err := logging.FromFileConfig(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithConversationID(ctx, id)
//	logger.Info(ctx, "rules extracted", zap.Int("count", n))
//
// # Testing
//
//	logger := logging.NewTestLogger()
//	svc := NewThing(logger.Logger)
//	logger.AssertLogged(t, zapcore.WarnLevel, "skipping conversation")
package logging
