/*
Package log provides structured logging for flowsync using zerolog.

The package holds one global zerolog.Logger configured once by Init, and
helpers that derive child loggers carrying the fields every flowsync package
logs with: component, run_id, kind and entity_id.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
		Output:     os.Stderr,
	})

Until Init runs, Logger discards everything, so library users that never call
Init get silent packages.

# Component Loggers

Packages derive a logger when they are constructed:

	logger := log.WithComponent("executor")
	runLog := log.WithRunID(logger, runID)
	entityLog := log.WithEntity(runLog, ref)
	entityLog.Info().Str("op", "update").Msg("Applied change")

A JSON line then looks like:

	{"level":"info","component":"executor","run_id":"5b0c...","kind":"Processor","entity_id":"0f3a...","op":"update","time":"2026-10-19T10:30:00Z","message":"Applied change"}
*/
package log
