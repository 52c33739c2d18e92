package transfer

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
	"github.com/montagao/iot-device-agent/pkg/log"
	runtimeutil "github.com/montagao/iot-device-agent/pkg/runtime"
)

// Engine runs up to maxSlots concurrent transfers, queuing the rest in an
// unbounded FIFO and promoting the oldest pending request whenever a slot
// frees up.
type Engine struct {
	maxSlots int
	client   *http.Client
	refresh  TokenRefresher
	log      *log.PrefixLogger

	mu         sync.Mutex
	pending    []*Request
	active     map[string]context.CancelFunc
	perRequest map[string]func(Status)
	slotAvail  chan struct{}
	baseCtx    context.Context

	onProgress func(Status)
	onComplete func(Status)
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithMaxSlots(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSlots = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithTokenRefresher(r TokenRefresher) Option {
	return func(e *Engine) { e.refresh = r }
}

func WithProgressCallback(fn func(Status)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

func WithCompletionCallback(fn func(Status)) Option {
	return func(e *Engine) { e.onComplete = fn }
}

func NewEngine(logger *log.PrefixLogger, opts ...Option) *Engine {
	e := &Engine{
		maxSlots: defaultMaxSlots,
		client:   &http.Client{Timeout: 0},
		log:        logger,
		active:     make(map[string]context.CancelFunc),
		perRequest: make(map[string]func(Status)),
		baseCtx:    context.Background(),
	}
	for _, o := range opts {
		o(e)
	}
	e.slotAvail = make(chan struct{}, e.maxSlots)
	for i := 0; i < e.maxSlots; i++ {
		e.slotAvail <- struct{}{}
	}
	return e
}

// Run installs ctx as the base context every transfer is derived from, so
// cancelling ctx stops all in-flight and future transfers. It blocks until
// ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	<-ctx.Done()
}

// Submit enqueues req. Never blocks and never drops a request; it either
// starts immediately (a slot is free) or joins the FIFO pending queue.
// onDone, if non-nil, fires exactly once for this request in addition to
// the engine-wide completion callback, letting a caller await one specific
// transfer among many concurrent ones (as C6 does for its update archive).
func (e *Engine) Submit(req *Request, onDone func(Status)) {
	e.mu.Lock()
	e.pending = append(e.pending, req)
	if onDone != nil {
		e.perRequest[req.ID] = onDone
	}
	ctx := e.baseCtx
	e.mu.Unlock()
	e.tryPromote(ctx)
}

// Cancel stops an in-flight or queued transfer by id.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[id]; ok {
		cancel()
		return
	}
	filtered := e.pending[:0]
	for _, p := range e.pending {
		if p.ID != id {
			filtered = append(filtered, p)
		}
	}
	e.pending = filtered
}

func (e *Engine) tryPromote(ctx context.Context) {
	for {
		select {
		case <-e.slotAvail:
		default:
			return
		}

		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			e.slotAvail <- struct{}{}
			return
		}
		req := e.pending[0]
		e.pending = e.pending[1:]
		transferCtx, cancel := context.WithCancel(ctx)
		e.active[req.ID] = cancel
		e.mu.Unlock()

		go e.run(transferCtx, req)
	}
}

func (e *Engine) releaseSlot(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
	e.slotAvail <- struct{}{}
}

func (e *Engine) run(ctx context.Context, req *Request) {
	defer e.releaseSlot(req.ID)
	defer runtimeutil.HandleCrash(func(r interface{}) {
		e.log.Errorf("recovered panic running transfer %s: %v", req.ID, r)
	})

	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = maxBackoffInterval
	var bo backoff.BackOff = eb
	switch {
	case req.MaxRetry < 0:
		// unlimited, bounded only by ctx/engine lifetime.
	case req.MaxRetry <= 1:
		bo = backoff.WithMaxRetries(bo, 0)
	default:
		bo = backoff.WithMaxRetries(bo, uint64(req.MaxRetry-1))
	}
	bo = backoff.WithContext(bo, ctx)

	var final error
	err := backoff.Retry(func() error {
		attemptErr := e.attempt(ctx, req, eb)
		if attemptErr != nil && !agenterr.IsRetryable(attemptErr) {
			final = attemptErr
			return backoff.Permanent(attemptErr)
		}
		final = attemptErr
		return attemptErr
	}, bo)
	if err != nil && final == nil {
		final = err
	}

	status := Status{ID: req.ID, Done: true, Err: final}
	if e.onComplete != nil {
		e.onComplete(status)
	}
	e.mu.Lock()
	onDone := e.perRequest[req.ID]
	delete(e.perRequest, req.ID)
	e.mu.Unlock()
	if onDone != nil {
		onDone(status)
	}
	// tryPromote again in case more pending work arrived while this transfer ran.
	e.mu.Lock()
	base := e.baseCtx
	e.mu.Unlock()
	e.tryPromote(base)
}

// attempt dispatches one try of req to its direction-specific handler. eb is
// the concrete backoff handle for run's retry loop; both paths reset it on
// forward progress so a transfer that is still moving never exhausts the
// interval ceiling on bytes it hasn't actually stalled on.
func (e *Engine) attempt(ctx context.Context, req *Request, eb *backoff.ExponentialBackOff) error {
	if req.Direction == DirectionUpload {
		return e.attemptUpload(ctx, req, eb)
	}
	return e.attemptDownload(ctx, req, eb)
}

// attemptDownload GETs req.URL into a stable "<DestPath>.part" file. A
// partial file left over from a prior failed attempt is resumed with a
// Range request; if the server ignores the range and answers 200 instead of
// 206, the partial file is discarded and the download restarts from byte 0.
func (e *Engine) attemptDownload(ctx context.Context, req *Request, eb *backoff.ExponentialBackOff) error {
	token, err := ensureFreshToken(req.AuthToken, e.refresh)
	if err != nil {
		return fmt.Errorf("%w: refreshing auth token: %v", agenterr.ErrNoPermission, err)
	}

	partialPath := req.DestPath + ".part"
	var offset int64
	if fi, statErr := os.Stat(partialPath); statErr == nil {
		offset = fi.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrBadParameter, err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", agenterr.ErrNotFound, req.URL)
	default:
		return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, req.URL)
	}

	resuming := offset > 0 && resp.StatusCode == http.StatusPartialContent
	if !resuming {
		offset = 0
	}

	total := req.ExpectedSize
	if total == 0 {
		total = resp.ContentLength
		if resuming && total > 0 {
			total += offset
		}
	}

	flag := os.O_CREATE | os.O_WRONLY
	if resuming {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	out, err := os.OpenFile(partialPath, flag, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrIO, err)
	}

	h := newHashForAlgorithm(req.Checksum.Algorithm)
	if resuming && h != nil {
		if err := hashExistingFile(h, partialPath); err != nil {
			out.Close()
			return fmt.Errorf("%w: %v", agenterr.ErrIO, err)
		}
	}

	mr := newMonitoredReader(resp.Body, h, func(done int64) {
		eb.Reset()
		if e.onProgress != nil {
			e.onProgress(Status{ID: req.ID, BytesDone: offset + done, TotalBytes: total})
		}
	})

	if _, err := io.Copy(out, mr); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrIO, err)
	}

	if req.Checksum.Algorithm != ChecksumNone {
		if got := mr.checksum(); got != req.Checksum.Value {
			os.Remove(partialPath)
			return fmt.Errorf("%w: expected %s got %s (%s downloaded)", agenterr.ErrChecksumMismatch, req.Checksum.Value, got, humanize.Bytes(uint64(offset+mr.total)))
		}
	}

	if err := materialize(partialPath, req.DestPath); err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrIO, err)
	}
	e.log.Infof("transfer %s complete: %s written to %s", req.ID, humanize.Bytes(uint64(offset+mr.total)), req.DestPath)
	return nil
}

// attemptUpload POSTs req.SrcPath to req.URL as a multipart/form-data body
// with a single file field named "file", per the cloud's upload contract.
// The device does not verify a checksum on upload; the cloud acks receipt.
func (e *Engine) attemptUpload(ctx context.Context, req *Request, eb *backoff.ExponentialBackOff) error {
	token, err := ensureFreshToken(req.AuthToken, e.refresh)
	if err != nil {
		return fmt.Errorf("%w: refreshing auth token: %v", agenterr.ErrNoPermission, err)
	}

	f, err := os.Open(req.SrcPath)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrIO, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrIO, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(req.SrcPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		mr := newMonitoredReader(f, nil, func(done int64) {
			eb.Reset()
			if e.onProgress != nil {
				e.onProgress(Status{ID: req.ID, BytesDone: done, TotalBytes: info.Size()})
			}
		})
		if _, err := io.Copy(part, mr); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, pr)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrBadParameter, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", agenterr.ErrNotFound, req.URL)
		}
		return fmt.Errorf("unexpected status %d uploading %s", resp.StatusCode, req.URL)
	}
	e.log.Infof("transfer %s complete: %s uploaded to %s", req.ID, humanize.Bytes(uint64(info.Size())), req.URL)
	return nil
}

// pendingCount reports the queue depth.
func (e *Engine) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// materialize moves the fully-downloaded, checksum-verified temp file into
// place. Rename is atomic when src and dst share a filesystem; otherwise it
// falls back to a copy-then-remove, matching os.Rename's own contract.
func materialize(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
