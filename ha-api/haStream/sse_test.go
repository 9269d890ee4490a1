package haStream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReader(t *testing.T) {
	stream := strings.Join([]string{
		": comment from the hub",
		"retry: 3000",
		"",
		"id: 1",
		"event: state",
		"data: {\"a\":",
		"data: 1}",
		"",
		"data:ping\r",
		"\r",
		"event: orphan",
		"",
		"data: last",
		"",
		"",
	}, "\n")

	reader := NewFrameReader(strings.NewReader(stream))

	frame, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Id: "1", Event: "state", Data: "{\"a\":\n1}"}, frame)
	assert.Equal(t, 3*time.Second, reader.Retry())

	frame, err = reader.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Id: "1", Event: "message", Data: "ping"}, frame)

	frame, err = reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", frame.Event)
	assert.Equal(t, "last", frame.Data)

	_, err = reader.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFrameReaderIncompleteFrameIsEOF(t *testing.T) {
	reader := NewFrameReader(strings.NewReader("data: half"))
	_, err := reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderSkipsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("x", maxFrameSize+10)
	stream := "event: big\ndata: " + huge + "\n\n" +
		"data: " + strings.Repeat("y", maxFrameSize/2) + "\ndata: " + strings.Repeat("z", maxFrameSize/2) + "\n\n" +
		"data: {\"type\":\"ok\"}\n\n"

	reader := NewFrameReader(strings.NewReader(stream))

	_, err := reader.Next()
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "big", decodeErr.Event)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = reader.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	frame, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ok"}`, frame.Data)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}
