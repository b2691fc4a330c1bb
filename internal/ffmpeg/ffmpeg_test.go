package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveExplicitPaths(t *testing.T) {
	b, err := Resolve("/opt/ffmpeg/bin/ffmpeg", "/opt/ffmpeg/bin/ffprobe")
	assert.NoError(t, err)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", b.FFmpeg)
	assert.Equal(t, "/opt/ffmpeg/bin/ffprobe", b.FFprobe)
}

func TestStderrTailKeepsLastLines(t *testing.T) {
	tail := &stderrTail{max: 3}
	for _, line := range []string{"one", "two", "three", "four", "five"} {
		_, err := tail.Write([]byte(line + "\n"))
		assert.NoError(t, err)
	}
	assert.Equal(t, "three; four; five", tail.String())
}

func TestStderrTailHandlesCarriageReturns(t *testing.T) {
	tail := &stderrTail{max: 5}
	_, err := tail.Write([]byte("frame=  100\rframe=  200\rerror: something broke\n"))
	assert.NoError(t, err)
	assert.Contains(t, tail.String(), "error: something broke")
}

func TestStderrTailSkipsBlankLines(t *testing.T) {
	tail := &stderrTail{max: 5}
	_, err := tail.Write([]byte("\n\n  \nreal line\n"))
	assert.NoError(t, err)
	assert.Equal(t, "real line", tail.String())
}
