package obs

import (
	"bytes"
	"log"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStdLoggerLevelFloor(t *testing.T) {
	var buf bytes.Buffer
	l := StdLogger{L: log.New(&buf, "", 0), Min: Info, Pref: "ltem "}

	l.Logf(Debug, "dropped %d", 1)
	assert.Empty(t, buf.String())

	l.Logf(Warn, "kept %d", 2)
	assert.Equal(t, "ltem [WARN] kept 2\n", buf.String())
}

func TestStdLoggerNoPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := StdLogger{L: log.New(&buf, "", 0)}
	l.Logf(Error, "boom")
	assert.Equal(t, "[ERROR] boom\n", buf.String())
}

func TestStdLoggerNilDestination(t *testing.T) {
	assert.NotPanics(t, func() {
		StdLogger{}.Logf(Info, "discarded")
	})
}

func TestZerologLoggerRoutesLevels(t *testing.T) {
	var buf bytes.Buffer
	l := ZerologLogger{L: zerolog.New(&buf)}

	l.Logf(Warn, "x=%d", 7)
	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, "x=7")

	buf.Reset()
	l.Logf(Error, "failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
}
