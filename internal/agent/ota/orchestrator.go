// Package ota implements the OTA orchestrator (C6): downloads an update
// archive through the file transfer engine, extracts it, hands off to an
// external updater binary, and always reports back a log of the attempt.
package ota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
	"github.com/montagao/iot-device-agent/internal/agent/fsutil"
	"github.com/montagao/iot-device-agent/internal/agent/transfer"
	"github.com/montagao/iot-device-agent/pkg/executer"
	"github.com/montagao/iot-device-agent/pkg/log"
	"github.com/montagao/iot-device-agent/pkg/poll"
)

const (
	updateSubdir    = "update"
	updateLogName   = "iot-update.log"
	updaterArgPath  = "--path"
	materializePoll = 1 * time.Second
)

// Request describes one OTA cycle.
type Request struct {
	ID           string
	URL          string
	Checksum     transfer.Checksum
	ExpectedSize int64
	AuthToken    string
	UpdaterPath  string
	LogUploadURL string
}

// Orchestrator drives a single OTA cycle at a time: clear the update
// workspace, download, extract, exec the updater, and always write the
// resulting log regardless of outcome, uploading it when LogUploadURL is set.
type Orchestrator struct {
	runtimeDir string
	engine     *transfer.Engine
	exec       executer.Executer
	log        *log.PrefixLogger

	mu         sync.Mutex
	inProgress bool
}

func New(runtimeDir string, engine *transfer.Engine, exec executer.Executer, logger *log.PrefixLogger) *Orchestrator {
	return &Orchestrator{
		runtimeDir: runtimeDir,
		engine:     engine,
		exec:       exec,
		log:        logger,
	}
}

func (o *Orchestrator) updateDir() string {
	return filepath.Join(o.runtimeDir, updateSubdir)
}

// Run executes one OTA cycle end to end. It rejects a concurrent call with
// agenterr.ErrOTAInProgress rather than queuing it: only one update
// workspace exists at a time.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		return agenterr.ErrOTAInProgress
	}
	o.inProgress = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inProgress = false
		o.mu.Unlock()
	}()

	logPath := filepath.Join(o.updateDir(), updateLogName)
	lines := newLogBuffer()

	runErr := o.run(ctx, req, lines)

	if err := os.MkdirAll(o.updateDir(), fsutil.DefaultDirectoryPermissions); err == nil {
		_ = fsutil.WriteFileAtomic(logPath, lines.Bytes(), fsutil.DefaultFilePermissions)
	}
	if req.LogUploadURL != "" {
		if err := o.uploadLog(ctx, req, logPath); err != nil {
			o.log.Errorf("failed to upload OTA log: %v", err)
		}
	}
	return runErr
}

// uploadLog submits the OTA log to the file transfer engine as an upload,
// per the requirement that the log always goes out through C5 regardless
// of the cycle's outcome, and blocks until the engine reports it done.
func (o *Orchestrator) uploadLog(ctx context.Context, req Request, logPath string) error {
	done := make(chan transfer.Status, 1)
	o.engine.Submit(&transfer.Request{
		ID:        req.ID + "-log",
		URL:       req.LogUploadURL,
		SrcPath:   logPath,
		Direction: transfer.DirectionUpload,
		Global:    true,
		AuthToken: req.AuthToken,
	}, func(status transfer.Status) { done <- status })

	select {
	case status := <-done:
		return status.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, lines *logBuffer) error {
	lines.Printf("starting OTA cycle %s", req.ID)

	if err := os.RemoveAll(o.updateDir()); err != nil {
		lines.Printf("failed to clear update dir: %v", err)
		return fmt.Errorf("%w: clearing update dir: %v", agenterr.ErrIO, err)
	}
	if err := os.MkdirAll(o.updateDir(), fsutil.DefaultDirectoryPermissions); err != nil {
		lines.Printf("failed to create update dir: %v", err)
		return fmt.Errorf("%w: creating update dir: %v", agenterr.ErrIO, err)
	}

	archivePath := filepath.Join(o.updateDir(), "archive.tar.gz")
	lines.Printf("downloading update archive from %s", req.URL)

	done := make(chan transfer.Status, 1)
	o.engine.Submit(&transfer.Request{
		ID:           req.ID,
		URL:          req.URL,
		DestPath:     archivePath,
		Direction:    transfer.DirectionOTA,
		Checksum:     req.Checksum,
		ExpectedSize: req.ExpectedSize,
		Global:       true,
		AuthToken:    req.AuthToken,
	}, func(status transfer.Status) { done <- status })

	if err := o.waitForArchive(ctx, archivePath, done, lines); err != nil {
		return err
	}

	lines.Printf("extracting update archive")
	if err := fsutil.UnpackTar(archivePath, o.updateDir()); err != nil {
		lines.Printf("extraction failed: %v", err)
		return fmt.Errorf("%w: extracting archive: %v", agenterr.ErrIO, err)
	}

	lines.Printf("invoking updater %s", req.UpdaterPath)
	stdout, stderr, exitCode := o.exec.ExecuteWithContext(ctx, req.UpdaterPath, updaterArgPath, o.updateDir())
	lines.Printf("updater stdout:\n%s", stdout)
	lines.Printf("updater stderr:\n%s", stderr)
	if exitCode != 0 {
		lines.Printf("updater exited with code %d", exitCode)
		return fmt.Errorf("%w: updater exited with code %d", agenterr.ErrExecution, exitCode)
	}

	lines.Printf("OTA cycle %s completed successfully", req.ID)
	return nil
}

// waitForArchive blocks until the transfer engine reports the download
// finished, and additionally polls at 1Hz for the file to actually be
// present on disk, guarding against a completion notification racing a
// not-yet-flushed rename on some filesystems.
func (o *Orchestrator) waitForArchive(ctx context.Context, path string, done <-chan transfer.Status, lines *logBuffer) error {
	select {
	case status := <-done:
		if status.Err != nil {
			lines.Printf("download failed: %v", status.Err)
			return status.Err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return poll.BackoffWithContext(ctx, poll.Config{BaseDelay: materializePoll, Factor: 1, MaxSteps: 10}, func(context.Context) (bool, error) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	})
}
