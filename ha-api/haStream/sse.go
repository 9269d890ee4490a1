package haStream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	maxFrameSize   = 1 << 20
	readBufferSize = 64 * 1024
)

// ErrFrameTooLarge marks a frame that was skipped because it exceeded maxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Frame is one dispatched server-sent event.
type Frame struct {
	Id    string
	Event string
	Data  string
}

// FrameReader splits a text/event-stream body into frames.
type FrameReader struct {
	reader *bufio.Reader
	lastId string
	retry  time.Duration
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{reader: bufio.NewReaderSize(r, readBufferSize)}
}

// readLine returns the next line without its terminator. A line longer than
// maxFrameSize is consumed up to its newline and reported as tooLong.
func (fr *FrameReader) readLine() (line []byte, tooLong bool, err error) {
	for {
		chunk, isPrefix, err := fr.reader.ReadLine()
		if err != nil {
			if len(line) > 0 || tooLong {
				return line, tooLong, nil
			}
			return nil, false, err
		}
		if !tooLong {
			if len(line)+len(chunk) > maxFrameSize {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}

// Next blocks until a complete frame is available. It returns io.EOF when the
// stream ends cleanly between frames. A frame over the size limit is consumed and
// returned as a *DecodeError; the reader stays usable.
func (fr *FrameReader) Next() (Frame, error) {
	var (
		frame     Frame
		data      bytes.Buffer
		hasData   bool
		oversized bool
	)
	for {
		raw, tooLong, err := fr.readLine()
		if err != nil {
			return Frame{}, err
		}
		if tooLong {
			oversized = true
			continue
		}
		line := strings.TrimSuffix(string(raw), "\r")
		if line == "" {
			if oversized {
				return Frame{Id: fr.lastId, Event: frame.Event}, &DecodeError{Event: frame.Event, Err: ErrFrameTooLarge}
			}
			if !hasData {
				frame = Frame{}
				continue
			}
			frame.Id = fr.lastId
			frame.Data = data.String()
			if frame.Event == "" {
				frame.Event = "message"
			}
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
		case "data":
			if oversized {
				continue
			}
			if data.Len()+len(value)+1 > maxFrameSize {
				oversized = true
				data.Reset()
				continue
			}
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.Contains(value, "\x00") {
				fr.lastId = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				fr.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Retry is the reconnect delay most recently announced by the server, zero if none.
func (fr *FrameReader) Retry() time.Duration {
	return fr.retry
}
