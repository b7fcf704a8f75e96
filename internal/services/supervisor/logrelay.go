package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logRelay copies the engine's merged stdout and stderr into a size-rotated
// log file.
type logRelay struct {
	sink   *lumberjack.Logger
	reader *os.File
	writer *os.File
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func openLogRelay(path string, maxSizeMB int) (*logRelay, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	return &logRelay{
		sink: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxAge:     7,
			MaxBackups: 5,
			LocalTime:  true,
		},
		reader: r,
		writer: w,
		done:   make(chan struct{}),
	}, nil
}

// Start begins copying. The child holds its own copy of the write end, so
// the parent's copy is closed here.
func (l *logRelay) Start() {
	_ = l.writer.Close()
	go func() {
		defer close(l.done)
		_, _ = io.Copy(l.sink, l.reader)
	}()
}

func (l *logRelay) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_, _ = fmt.Fprintf(l.sink, format+"\n", args...)
}

func (l *logRelay) Banner(command string, path string) {
	l.Printf("%s", "==================================================")
	l.Printf("start time: %s", time.Now().Format(time.RFC3339))
	l.Printf("command: %s", command)
	l.Printf("log file: %s", path)
	l.Printf("%s", "==================================================")
}

// drain waits for the child's output to be fully copied. Descendants that
// keep the pipe open are cut off after timeout.
func (l *logRelay) drain(timeout time.Duration) {
	select {
	case <-l.done:
	case <-time.After(timeout):
		_ = l.reader.Close()
		<-l.done
	}
}

// Close waits briefly for buffered output to drain, then closes the file.
func (l *logRelay) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.drain(2 * time.Second)

	l.mu.Lock()
	l.closed = true
	_ = l.reader.Close()
	_ = l.sink.Close()
	l.mu.Unlock()
}

// abort releases both pipe ends when the process never started.
func (l *logRelay) abort() {
	_ = l.writer.Close()
	_ = l.reader.Close()
	_ = l.sink.Close()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
