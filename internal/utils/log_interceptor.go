// Package utils provides filesystem and logging helpers shared by the CLI and
// the sync engine.
package utils

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxBufferSize is the longest partial line held back before it is
	// written out as is
	maxBufferSize = 1024 * 1024 // 1MB
)

// LogInterceptor implements io.Writer and prefixes every complete line with a
// sequence number and a timestamp. Partial lines are held until their newline
// arrives or Close is called.
type LogInterceptor struct {
	mu             sync.Mutex
	target         io.Writer
	sequenceNumber *atomic.Uint64
	pending        bytes.Buffer
	now            func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{
		target:         target,
		sequenceNumber: &atomic.Uint64{},
		now:            time.Now,
	}
}

// writeFormattedLine writes one line, newline included, behind its prefix.
func (i *LogInterceptor) writeFormattedLine(line []byte) error {
	lineNum := i.sequenceNumber.Add(1)

	prefix := slog.Uint64("line", lineNum).String() + " " +
		slog.String("time", i.now().Format(time.RFC3339)).String() + " "
	line = bytes.TrimRight(line, "\r\n")

	out := make([]byte, 0, len(prefix)+len(line)+1)
	out = append(out, prefix...)
	out = append(out, line...)
	out = append(out, '\n')
	_, err := i.target.Write(out)
	return err
}

// Write implements io.Writer. It reports len(p) once p has been buffered and
// every complete line in it forwarded.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pending.Write(p)
	for {
		idx := bytes.IndexByte(i.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := i.pending.Next(idx + 1)
		if err := i.writeFormattedLine(line); err != nil {
			return len(p), err
		}
	}

	if i.pending.Len() > maxBufferSize {
		line := i.pending.Next(i.pending.Len())
		if err := i.writeFormattedLine(line); err != nil {
			return len(p), err
		}
	}

	return len(p), nil
}

// Close flushes a trailing partial line. It does not close the target.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending.Len() == 0 {
		return nil
	}
	return i.writeFormattedLine(i.pending.Next(i.pending.Len()))
}
