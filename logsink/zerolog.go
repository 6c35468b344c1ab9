package logsink

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	// zerologEvent adapts zerolog to logiface.Event.
	zerologEvent struct {
		logiface.UnimplementedEvent
		z     *zerolog.Event
		msg   string
		level logiface.Level
	}

	zerologLogger struct {
		z zerolog.Logger
	}
)

var (
	_ logiface.Event                      = (*zerologEvent)(nil)
	_ logiface.EventFactory[*zerologEvent] = (*zerologLogger)(nil)
	_ logiface.Writer[*zerologEvent]       = (*zerologLogger)(nil)
)

func (x *zerologLogger) NewEvent(level logiface.Level) *zerologEvent {
	// WithLevel never exits or panics, unlike Fatal and Panic
	return &zerologEvent{
		z:     x.z.WithLevel(zerologLevel(level)),
		level: level,
	}
}

func (x *zerologLogger) Write(event *zerologEvent) error {
	event.z.Msg(event.msg)
	return nil
}

func zerologLevel(level logiface.Level) zerolog.Level {
	switch level {
	case logiface.LevelTrace:
		return zerolog.TraceLevel
	case logiface.LevelDebug:
		return zerolog.DebugLevel
	case logiface.LevelInformational:
		return zerolog.InfoLevel
	case logiface.LevelNotice, logiface.LevelWarning:
		return zerolog.WarnLevel
	case logiface.LevelError:
		return zerolog.ErrorLevel
	case logiface.LevelCritical, logiface.LevelAlert:
		return zerolog.FatalLevel
	case logiface.LevelEmergency:
		return zerolog.PanicLevel
	default:
		if level > logiface.LevelTrace {
			return zerolog.TraceLevel
		}
		return zerolog.NoLevel
	}
}

func (x *zerologEvent) Level() logiface.Level { return x.level }

func (x *zerologEvent) AddField(key string, val any) { x.z.Interface(key, val) }

func (x *zerologEvent) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *zerologEvent) AddError(err error) bool {
	x.z.Err(err)
	return true
}

func (x *zerologEvent) AddString(key string, val string) bool {
	x.z.Str(key, val)
	return true
}

func (x *zerologEvent) AddInt(key string, val int) bool {
	x.z.Int(key, val)
	return true
}

func (x *zerologEvent) AddInt64(key string, val int64) bool {
	x.z.Int64(key, val)
	return true
}

func (x *zerologEvent) AddUint64(key string, val uint64) bool {
	x.z.Uint64(key, val)
	return true
}

func (x *zerologEvent) AddBool(key string, val bool) bool {
	x.z.Bool(key, val)
	return true
}

func (x *zerologEvent) AddDuration(key string, val time.Duration) bool {
	x.z.Dur(key, val)
	return true
}

func (x *zerologEvent) AddTime(key string, val time.Time) bool {
	x.z.Time(key, val)
	return true
}
