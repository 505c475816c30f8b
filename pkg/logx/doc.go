// Package logx configures taskbell's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional forward sink (min-level + rate limiting) used to push
//     warnings to a chat transport
package logx
