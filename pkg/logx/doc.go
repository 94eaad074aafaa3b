// Package logx configures timerbot's structured logging.
//
// Logger is a thin value type over zerolog with field helpers (String, Int, Err, ...).
// Service owns the writers and can swap them at runtime via Apply:
//   - console output (short timestamp + short caller)
//   - JSON file output
//   - optional chat sink that forwards warnings to an operator chat (min-level + rate limiting)
package logx
