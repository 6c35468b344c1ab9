package logsink

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line, via stumpy.
	FormatJSON Format = `json`
	// FormatConsole writes human friendly lines, via zerolog's ConsoleWriter.
	FormatConsole Format = `console`
)

// SourceField is the key of the call site field added to every entry.
const SourceField = `src`

var ErrUnknownFormat = errors.New(`logsink: unknown format`)

// ParseFormat validates a format name, as used in configuration.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatConsole:
		return f, nil
	default:
		return ``, fmt.Errorf(`%w: %q`, ErrUnknownFormat, s)
	}
}

// ParseLevel converts a level name to a logiface.Level. Both syslog style
// names (`err`, `warning`) and the common aliases (`error`, `warn`) are
// accepted, as are `off` and `disabled`.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `off`, `disabled`, `none`:
		return logiface.LevelDisabled, nil
	case `emerg`, `emergency`:
		return logiface.LevelEmergency, nil
	case `alert`:
		return logiface.LevelAlert, nil
	case `crit`, `critical`:
		return logiface.LevelCritical, nil
	case `err`, `error`:
		return logiface.LevelError, nil
	case `warning`, `warn`:
		return logiface.LevelWarning, nil
	case `notice`:
		return logiface.LevelNotice, nil
	case `info`, `informational`:
		return logiface.LevelInformational, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `trace`:
		return logiface.LevelTrace, nil
	}
	return logiface.LevelDisabled, fmt.Errorf(`logsink: unknown level %q`, s)
}

// NewLogger builds a logger writing to w, typically a Sink. Console output
// at trace level is additionally subject to zerolog's global level.
func NewLogger(w io.Writer, format Format, level logiface.Level) (*logiface.Logger[logiface.Event], error) {
	if w == nil {
		return nil, errors.New(`logsink: nil writer`)
	}
	switch format {
	case FormatJSON, ``:
		return stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(level),
			stumpy.L.WithModifier(callerModifier[*stumpy.Event]()),
		).Logger(), nil

	case FormatConsole:
		impl := &zerologLogger{z: zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    true,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()}
		return logiface.New[*zerologEvent](
			logiface.WithEventFactory[*zerologEvent](impl),
			logiface.WithWriter[*zerologEvent](impl),
			logiface.WithLevel[*zerologEvent](level),
			logiface.WithModifier[*zerologEvent](callerModifier[*zerologEvent]()),
		).Logger(), nil

	default:
		return nil, fmt.Errorf(`%w: %q`, ErrUnknownFormat, format)
	}
}

// Discard returns a logger that writes nothing.
func Discard() *logiface.Logger[logiface.Event] {
	l, _ := NewLogger(io.Discard, FormatJSON, logiface.LevelDisabled)
	return l
}

const (
	logifacePrefix = `github.com/joeycumines/logiface.`
	logsinkPrefix  = `github.com/joeycumines/go-httpd/logsink.`
)

// callerModifier sets SourceField to the first frame outside of logiface
// and this package.
func callerModifier[E logiface.Event]() logiface.Modifier[E] {
	return logiface.ModifierFunc[E](func(event E) error {
		if src := caller(); src != `` && !event.AddString(SourceField, src) {
			event.AddField(SourceField, src)
		}
		return nil
	})
}

func caller() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != `` && !skipFrame(frame.Function) {
			return filepath.Base(frame.File) + `:` + strconv.Itoa(frame.Line)
		}
		if !more {
			return ``
		}
	}
}

func skipFrame(function string) bool {
	return strings.HasPrefix(function, logifacePrefix) ||
		strings.HasPrefix(function, logsinkPrefix) ||
		strings.HasPrefix(function, `runtime.`)
}
