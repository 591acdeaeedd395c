package dbus

import "log/slog"

// logger returns the logger used for diagnostic messages the library
// emits on its own initiative (failed signal decodes, errors writing
// replies, and the like). It defers to whatever the process has
// installed as the default slog logger, so callers configure output
// formatting and verbosity the same way they would for their own log
// lines.
func logger() *slog.Logger {
	return slog.Default()
}
