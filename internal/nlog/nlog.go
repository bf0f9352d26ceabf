// Package nlog is the cluster-wide logger shared by the scheduler, the
// cache server and the dispatcher daemon. It follows the teacher's house
// style of a small hand-rolled leveled logger (no third-party logging
// library): severity-prefixed lines, optional file output with
// size-based rotation, caller file:line stamped on every entry.
package nlog

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{'I', 'W', 'E'}

const defaultMaxSize = 16 * 1024 * 1024

type writer struct {
	mu      sync.Mutex
	file    *os.File
	dir     string
	name    string
	written int64
	maxSize int64
}

var (
	mu           sync.Mutex
	toStderr     = true
	logDir       string
	title        string
	writers      [3]*writer
	initOnce     sync.Once
	droppedLines atomic.Int64
)

// InitFlags wires -logtostderr/-log_dir the way the teacher's nlog does,
// so the same flag set works across all three binaries.
func InitFlags(fs *flag.FlagSet) {
	fs.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of files")
	fs.StringVar(&logDir, "log_dir", "", "if non-empty, write log files to this directory")
}

// SetTitle tags every log line written hereafter (process role, e.g.
// "scheduler" or "cached"), mirroring the teacher's SetTitle/SetLogDirRole.
func SetTitle(s string) { title = s }

func ensureWriters() {
	initOnce.Do(func() {
		for i := range writers {
			writers[i] = &writer{maxSize: defaultMaxSize}
		}
	})
}

func (w *writer) write(sev severity, line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if toStderr || logDir == "" {
		os.Stderr.Write(line)
		return
	}
	if w.file == nil {
		if err := w.open(sev); err != nil {
			os.Stderr.Write(line)
			droppedLines.Add(1)
			return
		}
	}
	n, _ := w.file.Write(line)
	w.written += int64(n)
	if w.written >= w.maxSize {
		w.file.Close()
		w.file = nil
	}
}

func (w *writer) open(sev severity) error {
	name := fmt.Sprintf("%s.%s.%d.%s.log", title, string(sevChar[sev]), os.Getpid(), time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = f
	w.written = 0
	return nil
}

func header(sev severity, depth int) string {
	_, fn, ln, ok := runtime.Caller(depth)
	if !ok {
		fn, ln = "???", 0
	} else if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
		fn = fn[idx+1:]
	}
	return fmt.Sprintf("%c %s %s:%d] ", sevChar[sev], time.Now().Format("15:04:05.000000"), fn, ln)
}

func logf(sev severity, depth int, format string, args ...any) {
	ensureWriters()
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
	}
	line := header(sev, depth+3) + msg
	writers[sev].write(sev, []byte(line))
	if sev >= sevWarn && sev != sevErr {
		writers[sevErr].write(sev, []byte(line))
	}
}

func Infof(format string, args ...any)    { logf(sevInfo, 0, format, args...) }
func Infoln(args ...any)                  { logf(sevInfo, 0, "%s", fmt.Sprintln(args...)) }
func Warningf(format string, args ...any) { logf(sevWarn, 0, format, args...) }
func Warningln(args ...any)               { logf(sevWarn, 0, "%s", fmt.Sprintln(args...)) }
func Errorf(format string, args ...any)   { logf(sevErr, 0, format, args...) }
func Errorln(args ...any)                 { logf(sevErr, 0, "%s", fmt.Sprintln(args...)) }

// InfoDepth/ErrorDepth let a thin wrapper (e.g. a per-component logger)
// report the caller's caller as the source location.
func InfoDepth(depth int, args ...any)  { logf(sevInfo, depth, "%s", fmt.Sprintln(args...)) }
func ErrorDepth(depth int, args ...any) { logf(sevErr, depth, "%s", fmt.Sprintln(args...)) }

// DroppedLines reports how many lines were diverted to stderr because the
// log file could not be opened; exposed for the metrics/admin surface.
func DroppedLines() int64 { return droppedLines.Load() }
