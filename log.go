package softmac

import (
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// NewConsoleLogger returns a human readable zerolog.Logger writing to w at the
// named level. Unknown levels fall back to info.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "softmac").Logger()
}

// component returns a child logger for one part of the stack.
func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// staAddr logs a station address.
func staAddr(e *zerolog.Event, addr net.HardwareAddr) *zerolog.Event {
	return e.Stringer("sta", addr)
}
