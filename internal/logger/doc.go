// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder writing to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level parsing for the --log-level flag,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Every packaging step accepts a context and extracts the logger from it,
// so run-scoped fields such as the run ID follow the whole pipeline.
package logger
