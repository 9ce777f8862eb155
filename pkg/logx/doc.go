// Package logx configures classbell's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON lines
//   - an optional chat sink forwards warnings to an operator chat (min-level + rate limit)
package logx
