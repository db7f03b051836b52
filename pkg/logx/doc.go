// Package logx configures cronbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured (the execution audit trail lands here too)
//   - Optional alert sink (min-level + rate limiting) that forwards operator
//     alerts through the notifier
package logx
