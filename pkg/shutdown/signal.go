package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// HandleSignals calls cancel on the first SIGTERM/SIGINT and logs a
// warning if more than timeout passes afterward without the process
// exiting on its own.
func HandleSignals(log *logrus.Logger, cancel func(), timeout time.Duration) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-ch
		if log != nil {
			log.Infof("Shutdown signal received: %v", sig)
		}
		cancel()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		<-timer.C
		if log != nil {
			log.Warn("shutdown timeout exceeded")
		}
	}()
}

// HandleSignalsWithManager runs sm.Shutdown on the first SIGTERM/SIGINT. If
// that has not finished after TimeoutForceShutdownWindow, a second signal
// (including one received during the window) forces an immediate,
// timeout-free ShutdownNow alongside the graceful one in progress; if
// neither happens within timeout, it logs a warning and stops waiting.
func HandleSignalsWithManager(log *logrus.Logger, sm *ShutdownManager, timeout time.Duration) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		first := <-ch
		if log != nil {
			log.Infof("Shutdown signal received: %v", first)
		}

		done := make(chan struct{})
		go func() {
			_ = sm.Shutdown(context.Background())
			close(done)
		}()

		select {
		case <-done:
			return
		case <-time.After(TimeoutForceShutdownWindow):
			select {
			case <-ch:
				if log != nil {
					log.Warn("second shutdown signal received, forcing immediate exit")
				}
				_ = sm.ShutdownNow(context.Background())
				return
			case <-done:
				return
			case <-time.After(timeout):
				if log != nil {
					log.Warn("shutdown timeout exceeded")
				}
				return
			}
		}
	}()
}
