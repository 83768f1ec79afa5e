package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
)

var (
	logger         = newAsyncLogger()
	verboseLogging bool
)

type logLevel int

const (
	logLevelDebug logLevel = iota
	logLevelInfo
	logLevelWarn
	logLevelError
)

const (
	logQueueSize     = 4096
	logRetentionDays = 3
)

func (l logLevel) String() string {
	switch l {
	case logLevelDebug:
		return "DEBUG"
	case logLevelInfo:
		return "INFO"
	case logLevelWarn:
		return "WARN"
	case logLevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

func parseLogLevel(s string) (logLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logLevelDebug, nil
	case "", "info":
		return logLevelInfo, nil
	case "warn", "warning":
		return logLevelWarn, nil
	case "error":
		return logLevelError, nil
	}
	return logLevelInfo, fmt.Errorf("logging.level: unknown level %q", s)
}

type logRecord struct {
	at    time.Time
	level logLevel
	msg   string
	attrs []any
}

// asyncLogger formats and writes records on one goroutine so hot paths
// (share submission, job broadcast) never block on disk.
type asyncLogger struct {
	level    atomic.Int32
	queue    chan logRecord
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	closing  atomic.Bool

	mu     sync.RWMutex
	main   io.Writer
	errors io.Writer
	debug  io.Writer
	stdout bool
}

func newAsyncLogger() *asyncLogger {
	l := &asyncLogger{
		queue:  make(chan logRecord, logQueueSize),
		done:   make(chan struct{}),
		main:   io.Discard,
		errors: io.Discard,
		debug:  io.Discard,
		stdout: true,
	}
	l.level.Store(int32(logLevelInfo))
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *asyncLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case <-l.done:
			for {
				select {
				case rec := <-l.queue:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *asyncLogger) enabled(level logLevel) bool {
	return level >= logLevel(l.level.Load())
}

func (l *asyncLogger) log(level logLevel, msg string, attrs ...any) {
	if !l.enabled(level) || l.closing.Load() {
		return
	}
	rec := logRecord{at: time.Now(), level: level, msg: msg, attrs: append([]any(nil), attrs...)}
	select {
	case l.queue <- rec:
	case <-l.done:
	}
}

func (l *asyncLogger) Debug(msg string, attrs ...any) { l.log(logLevelDebug, msg, attrs...) }
func (l *asyncLogger) Info(msg string, attrs ...any)  { l.log(logLevelInfo, msg, attrs...) }
func (l *asyncLogger) Warn(msg string, attrs ...any)  { l.log(logLevelWarn, msg, attrs...) }
func (l *asyncLogger) Error(msg string, attrs ...any) { l.log(logLevelError, msg, attrs...) }

func (l *asyncLogger) setLevel(level logLevel) {
	l.level.Store(int32(level))
}

func (l *asyncLogger) setWriters(main, errs, debug io.Writer, stdout bool) {
	if main == nil {
		main = io.Discard
	}
	if errs == nil {
		errs = io.Discard
	}
	if debug == nil {
		debug = io.Discard
	}
	l.mu.Lock()
	l.main = main
	l.errors = errs
	l.debug = debug
	l.stdout = stdout
	l.mu.Unlock()
}

// Stop drains queued records and closes file writers.
func (l *asyncLogger) Stop() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.done)
		l.wg.Wait()
		l.mu.Lock()
		for _, w := range []io.Writer{l.main, l.errors, l.debug} {
			if c, ok := w.(io.Closer); ok {
				_ = c.Close()
			}
		}
		l.main = io.Discard
		l.errors = io.Discard
		l.debug = io.Discard
		l.mu.Unlock()
	})
}

func (l *asyncLogger) write(rec logRecord) {
	line := formatLogLine(rec)

	l.mu.RLock()
	main, errs, debug, stdout := l.main, l.errors, l.debug, l.stdout
	l.mu.RUnlock()

	if stdout {
		_, _ = os.Stdout.Write(line)
	}
	if rec.level == logLevelDebug {
		_, _ = debug.Write(line)
		return
	}
	_, _ = main.Write(line)
	if rec.level >= logLevelError {
		_, _ = errs.Write(line)
	}
}

func formatLogLine(rec logRecord) []byte {
	var b strings.Builder
	b.WriteString(rec.at.UTC().Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(rec.level.String())
	b.WriteString("] ")
	b.WriteString(rec.msg)
	for i := 0; i < len(rec.attrs); i += 2 {
		b.WriteByte(' ')
		b.WriteString(fmt.Sprint(rec.attrs[i]))
		if i+1 < len(rec.attrs) {
			b.WriteByte('=')
			b.WriteString(formatLogValue(rec.attrs[i+1]))
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func formatLogValue(v any) string {
	switch t := v.(type) {
	case time.Duration:
		return humanDuration(t)
	case error:
		if t == nil {
			return "<nil>"
		}
		return quoteIfSpaced(t.Error())
	case string:
		return quoteIfSpaced(t)
	}
	return fmt.Sprint(v)
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// humanDuration renders d compactly, e.g. "2m 5s". Sub-second values keep
// millisecond precision.
func humanDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Microsecond).String()
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

type dailyFileWriter struct {
	dir  string
	name string
	ext  string

	mu   sync.Mutex
	f    *os.File
	date string
}

func newDailyFileWriter(path string) io.Writer {
	if path == "" {
		return io.Discard
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return &dailyFileWriter{
		dir:  filepath.Dir(path),
		name: strings.TrimSuffix(base, ext),
		ext:  ext,
	}
}

func (w *dailyFileWriter) rotate(now time.Time) error {
	date := now.UTC().Format(time.DateOnly)
	if w.f != nil && w.date == date {
		return nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, w.name+"-"+date+w.ext), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.date = date
	w.prune(now)
	return nil
}

func (w *dailyFileWriter) prune(now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -logRetentionDays)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	prefix := w.name + "-"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, w.ext) {
			continue
		}
		day, err := time.Parse(time.DateOnly, strings.TrimSuffix(strings.TrimPrefix(name, prefix), w.ext))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(w.dir, name))
		}
	}
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(time.Now()); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *dailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func configureLogging(cfg Config, stdout bool) error {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.setLevel(level)
	verboseLogging = level == logLevelDebug
	dir := logDirFor(cfg)
	var debug io.Writer
	if verboseLogging {
		debug = newDailyFileWriter(filepath.Join(dir, "debug.log"))
	}
	logger.setWriters(
		newDailyFileWriter(filepath.Join(dir, "pool.log")),
		newDailyFileWriter(filepath.Join(dir, "errors.log")),
		debug,
		stdout,
	)
	return nil
}

func fatal(msg string, err error, attrs ...any) {
	logger.Error(msg, append(attrs, "error", err)...)
	logger.Stop()
	os.Exit(1)
}
