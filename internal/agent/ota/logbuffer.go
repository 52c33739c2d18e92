package ota

import (
	"bytes"
	"fmt"
	"time"
)

// logBuffer accumulates the human-readable trail of one OTA cycle, written
// out as iot-update.log regardless of whether the cycle succeeded.
type logBuffer struct {
	buf bytes.Buffer
}

func newLogBuffer() *logBuffer {
	return &logBuffer{}
}

func (l *logBuffer) Printf(format string, args ...interface{}) {
	fmt.Fprintf(&l.buf, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

func (l *logBuffer) Bytes() []byte {
	return l.buf.Bytes()
}
