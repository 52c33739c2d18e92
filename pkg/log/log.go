// Package log provides the agent's logging convention: a thin wrapper around
// logrus that tags every line with the component that emitted it and offers
// a once-per-interval variant for noisy conditions (e.g. connection loss).
package log

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PrefixLogger wraps a *logrus.Logger and prepends a component prefix to
// every message, e.g. "[transport] connect failed: ...".
type PrefixLogger struct {
	prefix string
	logger *logrus.Logger

	mu        sync.Mutex
	lastLogAt map[string]time.Time
}

// NewPrefixLogger returns a logger tagged with prefix. An empty prefix is
// valid and simply omits the "[prefix] " decoration.
func NewPrefixLogger(prefix string) *PrefixLogger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &PrefixLogger{
		prefix:    prefix,
		logger:    logger,
		lastLogAt: make(map[string]time.Time),
	}
}

// AddPrefix returns a derived logger scoped under both prefixes, e.g.
// log.AddPrefix("slot-3") on a "transfer" logger yields "transfer/slot-3".
func (l *PrefixLogger) AddPrefix(sub string) *PrefixLogger {
	prefix := sub
	if l.prefix != "" {
		prefix = l.prefix + "/" + sub
	}
	return &PrefixLogger{prefix: prefix, logger: l.logger, lastLogAt: make(map[string]time.Time)}
}

// Level sets the minimum severity emitted, by name (panic, fatal, error,
// warn, info, debug, trace). An unrecognized name is a no-op.
func (l *PrefixLogger) Level(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return
	}
	l.logger.SetLevel(lvl)
}

func (l *PrefixLogger) format(format string) string {
	if l.prefix == "" {
		return format
	}
	return "[" + l.prefix + "] " + format
}

func (l *PrefixLogger) Debug(args ...interface{}) {
	l.logger.Debug(append([]interface{}{l.tag()}, args...)...)
}

func (l *PrefixLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(l.format(format), args...)
}

func (l *PrefixLogger) Info(args ...interface{}) {
	l.logger.Info(append([]interface{}{l.tag()}, args...)...)
}

func (l *PrefixLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(l.format(format), args...)
}

func (l *PrefixLogger) Warn(args ...interface{}) {
	l.logger.Warn(append([]interface{}{l.tag()}, args...)...)
}

func (l *PrefixLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(l.format(format), args...)
}

func (l *PrefixLogger) Error(args ...interface{}) {
	l.logger.Error(append([]interface{}{l.tag()}, args...)...)
}

func (l *PrefixLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(l.format(format), args...)
}

func (l *PrefixLogger) tag() string {
	if l.prefix == "" {
		return ""
	}
	return "[" + l.prefix + "]"
}

// ErrorfEvery emits an error-level message keyed by key at most once per
// interval. Used for the connection-loss-once-per-20s requirement.
func (l *PrefixLogger) ErrorfEvery(key string, interval time.Duration, format string, args ...interface{}) {
	l.mu.Lock()
	last, seen := l.lastLogAt[key]
	now := time.Now()
	if seen && now.Sub(last) < interval {
		l.mu.Unlock()
		return
	}
	l.lastLogAt[key] = now
	l.mu.Unlock()
	l.Errorf(format, args...)
}

// WithField returns a logrus entry for structured fields, for call sites
// that want key/value pairs rather than a formatted string.
func (l *PrefixLogger) WithField(key string, value interface{}) *logrus.Entry {
	entry := l.logger.WithField("component", l.prefix)
	return entry.WithField(key, value)
}

var _ fmt.Stringer = (*PrefixLogger)(nil)

func (l *PrefixLogger) String() string { return l.prefix }
