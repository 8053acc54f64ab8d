package sandbox

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxOutputBytes is how much of each stream is kept in the result
const maxOutputBytes = 1 << 20

// outputCapture keeps the head of a stream and mirrors complete lines to the debug log
type outputCapture struct {
	runID  string
	stream string

	mu      sync.Mutex
	buf     bytes.Buffer
	line    bytes.Buffer
	dropped int
}

func newOutputCapture(runID, stream string) *outputCapture {
	return &outputCapture{runID: runID, stream: stream}
}

func (o *outputCapture) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if room := maxOutputBytes - o.buf.Len(); room > 0 {
		keep := min(room, len(p))
		o.buf.Write(p[:keep])
		o.dropped += len(p) - keep
	} else {
		o.dropped += len(p)
	}

	for _, c := range p {
		if c == '\n' {
			o.flushLine()
			continue
		}
		if o.line.Len() < 4096 {
			o.line.WriteByte(c)
		}
	}
	return len(p), nil
}

func (o *outputCapture) flushLine() {
	log.Debug().
		Str("run_id", o.runID).
		Str("stream", o.stream).
		Msg(o.line.String())
	o.line.Reset()
}

func (o *outputCapture) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.line.Len() > 0 {
		o.flushLine()
	}
	if o.dropped > 0 {
		return fmt.Sprintf("%s\n[output truncated, %d bytes dropped]", o.buf.String(), o.dropped)
	}
	return o.buf.String()
}
