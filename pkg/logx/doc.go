// Package logx configures livepoll's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), or JSON for log shippers
//   - File output JSON-structured
//   - Per-component loggers cheap to derive via With(logx.String("comp", ...))
package logx
