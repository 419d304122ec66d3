// Package log provides barn's structured logging, a thin wrapper
// around zerolog. Init sets the global Logger once at startup;
// WithComponent and WithJobID derive child loggers carrying a
// "component" or "job_id" field. Verbosity can change at runtime via
// SetLevel, the one setting reload is allowed to touch live.
package log
