package logsink_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/go-httpd/logsink"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_json(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logsink.NewLogger(&buf, logsink.FormatJSON, logiface.LevelInformational)
	require.NoError(t, err)

	logger.Info().Str(`path`, `/index.html`).Log(`resource requested`)
	logger.Debug().Log(`filtered`)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, `info`, entry[`lvl`])
	assert.Equal(t, `resource requested`, entry[`msg`])
	assert.Equal(t, `/index.html`, entry[`path`])
	assert.Regexp(t, `^logger_test\.go:\d+$`, entry[logsink.SourceField])
}

func TestNewLogger_console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logsink.NewLogger(&buf, logsink.FormatConsole, logiface.LevelDebug)
	require.NoError(t, err)

	logger.Warning().Str(`peer`, `127.0.0.1:1234`).Log(`server busy`)
	out := buf.String()
	assert.Contains(t, out, `WRN`)
	assert.Contains(t, out, `server busy`)
	assert.Contains(t, out, `peer=127.0.0.1:1234`)
	assert.Regexp(t, `src=logger_test\.go:\d+`, out)

	buf.Reset()
	logger.Err().Err(errors.New(`boom`)).Dur(`after`, time.Second).Log(`failed`)
	out = buf.String()
	assert.Contains(t, out, `ERR`)
	assert.Contains(t, out, `boom`)

	// critical maps to fatal, without exiting
	buf.Reset()
	logger.Crit().Log(`critical`)
	assert.Contains(t, buf.String(), `FTL`)
}

func TestNewLogger_errors(t *testing.T) {
	_, err := logsink.NewLogger(&bytes.Buffer{}, `xml`, logiface.LevelInformational)
	assert.ErrorIs(t, err, logsink.ErrUnknownFormat)

	_, err = logsink.NewLogger(nil, logsink.FormatJSON, logiface.LevelInformational)
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	logger := logsink.Discard()
	require.NotNil(t, logger)
	logger.Err().Log(`nothing`)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		`trace`:   logiface.LevelTrace,
		`DEBUG`:   logiface.LevelDebug,
		` info `:  logiface.LevelInformational,
		`notice`:  logiface.LevelNotice,
		`warn`:    logiface.LevelWarning,
		`warning`: logiface.LevelWarning,
		`error`:   logiface.LevelError,
		`err`:     logiface.LevelError,
		`crit`:    logiface.LevelCritical,
		`alert`:   logiface.LevelAlert,
		`emerg`:   logiface.LevelEmergency,
		`off`:     logiface.LevelDisabled,
	} {
		got, err := logsink.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := logsink.ParseLevel(`loud`)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := logsink.ParseFormat(`JSON`)
	require.NoError(t, err)
	assert.Equal(t, logsink.FormatJSON, f)
	f, err = logsink.ParseFormat(`console`)
	require.NoError(t, err)
	assert.Equal(t, logsink.FormatConsole, f)
	_, err = logsink.ParseFormat(`text`)
	assert.ErrorIs(t, err, logsink.ErrUnknownFormat)
}

func TestThrottle(t *testing.T) {
	th := logsink.NewThrottle(map[time.Duration]int{time.Hour: 2})
	assert.True(t, th.Allow(`busy`))
	assert.True(t, th.Allow(`busy`))
	assert.False(t, th.Allow(`busy`))
	assert.True(t, th.Allow(`accept`))
	assert.Equal(t, int64(1), th.Suppressed())

	var nilThrottle *logsink.Throttle
	assert.True(t, nilThrottle.Allow(`x`))
	assert.Zero(t, nilThrottle.Suppressed())
}
