// Package logx configures storypipe's structured logging.
//
// A small value type (logx.Logger) sits on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - the optional file sink is JSON, one event per line
//   - sinks and level can be swapped at runtime via Service.Apply
package logx
