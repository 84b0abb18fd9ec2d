package websocket

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger is silent until a caller opts in with SetLogger; a
// library embedded in someone else's service should never write to
// stdout/stderr unasked.
var defaultLogger = zerolog.New(io.Discard)

// SetLogger replaces the package-wide default logger that new Conns and
// Hubs start with; Conn.SetLogger and Hub.SetLogger override it per
// instance. Existing Conns and Hubs keep whatever logger they already
// captured.
func SetLogger(l zerolog.Logger) {
	defaultLogger = l
}

// NewConsoleLogger is a convenience for examples/CLIs: a human-readable,
// timestamped logger writing to stderr.
func NewConsoleLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}
