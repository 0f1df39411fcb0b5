package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogOutput(t *testing.T) {
	var sb strings.Builder
	log := NewLog(false)
	log.SetOutput(&sb)

	log.Infof("listening on %d", 9000)
	log.Warning("careful")
	log.Trace("hidden")

	assert.Equal(t, "INFO: listening on 9000\nWARNING: careful\n", sb.String())
}

func TestLogTrace(t *testing.T) {
	var sb strings.Builder
	log := NewLog(true)
	log.SetOutput(&sb)
	log.SetTime(true)

	log.Tracef("+ TCP %s", "127.0.0.1:1234")

	out := sb.String()
	assert.True(t, strings.HasSuffix(out, " TRACE: + TCP 127.0.0.1:1234\n"), out)
}
