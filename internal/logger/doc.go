// Package logger wraps zap for the updater:
//   - a global sugared logger writing a console format to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Every stage of the updater receives a context and extracts the logger from
// it, so each line carries the stage, product and image being handled. A field
// technician diagnoses a failed update from this output alone.
package logger
