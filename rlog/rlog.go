// Package rlog provides the leveled logging backend shared by every
// component in this module, built around the go-logging package.
package rlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend handing out per-component module loggers.
type Backend struct {
	mu      sync.RWMutex
	backend logging.LeveledBackend
	w       io.WriteCloser
}

func parseLevel(s string) (logging.Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING", "WARN":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	}
	return logging.ERROR, fmt.Errorf("rlog: invalid level: %s", s)
}

// New creates a Backend writing to the named file, or to stderr when file
// is empty. Disable silences all output.
func New(file, level string, disable bool) (*Backend, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	var w io.Writer
	switch {
	case disable:
		w = io.Discard
	case file == "":
		w = os.Stderr
	default:
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("rlog: failed to open log file: %w", err)
		}
		b.w = f
		w = f
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.backend = leveled

	return b, nil
}

// GetLogger returns a per-module logger attached to this backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// Close flushes and closes the underlying log file, if any.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.w != nil {
		err := b.w.Close()
		b.w = nil
		return err
	}
	return nil
}

var (
	defaultOnce    sync.Once
	defaultBackend *Backend
)

// Default returns the process-wide fallback backend, writing to stderr at
// the level named by the RELAY_LOG_LEVEL environment variable (WARNING
// when unset or unparseable).
func Default() *Backend {
	defaultOnce.Do(func() {
		level := os.Getenv("RELAY_LOG_LEVEL")
		if level == "" {
			level = "WARNING"
		}
		b, err := New("", level, false)
		if err != nil {
			b, _ = New("", "WARNING", false)
		}
		defaultBackend = b
	})
	return defaultBackend
}
