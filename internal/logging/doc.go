// Package logging is the process-wide structured logging layer. It wraps
// slog with named module loggers whose levels can be tuned independently
// and retuned at runtime, and it fans every record out to up to three
// destinations: stdout, the systemd journal, and an in-memory ring
// buffer that backs the HTTP logs API.
//
// # Module loggers
//
// Every package asks for its logger by name once and keeps it:
//
//	logger := logging.GetLogger("pool")
//	logger.Info("Pool activated", "slots", 3)
//
// GetLogger works before Initialize; early loggers run at info until the
// configuration arrives, then Initialize retunes them in place through
// their LevelVars.
//
// # Configuration
//
// Initialize is called once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info", // debug, info, warn, error
//		Format: "text", // text or json
//		Modules: map[string]string{
//			"pool":   "debug",
//			"client": "warn",
//		},
//	})
//
// In the TOML config file the [logging] table is flat: any key besides
// level and format names a module whose level it overrides.
//
//	[logging]
//	level = "info"
//	format = "text"
//	pool = "debug"
//	client = "warn"
//
// # Destinations
//
// Output routing is decided from what the process can see: stdout is
// skipped when it points at /dev/null, the journal is used when
// journald's socket accepts writes, and the ring buffer is always on so
// the logs API has history even under a supervisor. Multiple active
// destinations are fanned out through MultiHandler.
//
// # Journal
//
// Journal records carry syslog priorities and uppercased attribute
// fields, so the usual journalctl filters work:
//
//	journalctl -t llmpool -f
//	journalctl -t llmpool -p err
//	journalctl -t llmpool MODULE=pool
package logging
