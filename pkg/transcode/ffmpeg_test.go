package transcode

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandErrorCarriesStderrTail(t *testing.T) {
	err := &CommandError{Name: "ffmpeg", Stderr: "invalid data found", Err: errors.New("exit status 1")}
	assert.Equal(t, "ffmpeg: exit status 1: invalid data found", err.Error())

	var target *CommandError
	assert.ErrorAs(t, error(err), &target)
}

func TestStderrTailTruncatesFromTheFront(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", 2000))
	buf.WriteString("END")

	tail := stderrTail(&buf)
	assert.Len(t, tail, stderrTailLimit)
	assert.True(t, strings.HasSuffix(tail, "END"))
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "1", formatSeconds(1))
	assert.Equal(t, "0", formatSeconds(0))
	assert.Equal(t, "3.5", formatSeconds(3.5))
}
