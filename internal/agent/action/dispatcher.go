package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/pkg/executer"
	"github.com/montagao/iot-device-agent/pkg/log"
	runtimeutil "github.com/montagao/iot-device-agent/pkg/runtime"
)

// maxConcurrentDispatch bounds how many non-exclusive actions may have
// handlers running at once; exclusivity mutexes further serialize within
// that bound.
const maxConcurrentDispatch = 8

// AckPublisher is the narrow surface the dispatcher needs from C2/C1 to
// emit a mailbox.ack; keeping it an interface (rather than importing
// transport/cloudproto.Codec directly into the publish path) avoids a
// cyclic dependency between action and the scheduler that wires it.
type AckPublisher interface {
	PublishAck(ctx context.Context, req *cloudproto.ActionRequest, code int, message string) error
}

// Dispatcher routes decoded action requests to registered handlers,
// enforcing the exclusivity flags and emitting exactly one ack per request.
type Dispatcher struct {
	registry  *Registry
	executer  executer.Executer
	publisher AckPublisher
	logDir    string
	log       *log.PrefixLogger

	inbox *requestQueue[*cloudproto.ActionRequest]

	deviceMu sync.Mutex // guards exclusive-device dispatch

	nameMu   sync.Mutex
	byName   map[string]*sync.Mutex // guards exclusive-app dispatch, one mutex per action name
}

func NewDispatcher(registry *Registry, exec executer.Executer, publisher AckPublisher, logDir string, logger *log.PrefixLogger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		executer:  exec,
		publisher: publisher,
		logDir:    logDir,
		log:       logger,
		inbox:     newRequestQueue[*cloudproto.ActionRequest](),
		byName:    make(map[string]*sync.Mutex),
	}
}

// Submit enqueues a decoded action request for dispatch. Never blocks and
// never drops: the inbox is an unbounded FIFO.
func (d *Dispatcher) Submit(req *cloudproto.ActionRequest) {
	d.inbox.push(req)
}

// Run drains the inbox until ctx is done, spawning a bounded number of
// concurrent handler invocations. This is the "one action dispatcher
// worker" of spec.md §5; concurrency beyond that single logical worker is
// an implementation detail used to keep non-exclusive actions from
// head-of-line blocking each other.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		d.inbox.close()
		close(done)
	}()

	for {
		req, ok := d.inbox.pop()
		if !ok {
			break
		}
		g.Go(func() error {
			d.dispatch(gctx, req)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) nameMutex(name string) *sync.Mutex {
	d.nameMu.Lock()
	defer d.nameMu.Unlock()
	m, ok := d.byName[name]
	if !ok {
		m = &sync.Mutex{}
		d.byName[name] = m
	}
	return m
}

func (d *Dispatcher) dispatch(ctx context.Context, req *cloudproto.ActionRequest) {
	a, found := d.registry.Get(req.Method)
	if !found {
		d.ack(ctx, req, agenterr.NotFound, fmt.Sprintf("action %q is not registered", req.Method))
		return
	}
	if !d.registry.isEnabled(req.Method) {
		d.ack(ctx, req, agenterr.NoPermission, fmt.Sprintf("action %q is disabled", req.Method))
		return
	}

	validated, err := validateParams(a, req.Params)
	if err != nil {
		d.ack(ctx, req, agenterr.ToCode(err), err.Error())
		return
	}
	req.Params = validated

	if a.Flags.Has(ExclusiveDevice) {
		d.deviceMu.Lock()
		defer d.deviceMu.Unlock()
	}
	if a.Flags.Has(ExclusiveApp) {
		m := d.nameMutex(a.Name)
		m.Lock()
		defer m.Unlock()
	}

	if a.Target.Callback != nil {
		d.dispatchCallback(ctx, a, req)
		return
	}
	d.dispatchCommand(ctx, a, req)
}

func (d *Dispatcher) dispatchCallback(ctx context.Context, a *Action, req *cloudproto.ActionRequest) {
	output, err := a.Target.Callback(req)
	if err != nil {
		d.ack(ctx, req, agenterr.ToCode(err), err.Error())
		return
	}
	req.Output = filterOutputParams(a, output)
	d.ack(ctx, req, agenterr.Success, "")
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, a *Action, req *cloudproto.ActionRequest) {
	args := append([]string(nil), a.Target.Command[1:]...)
	for _, p := range a.Params {
		if p.Direction == Out {
			continue
		}
		if v, ok := req.Params[p.Name]; ok {
			args = append(args, valueToArg(v))
		}
	}

	logPath := filepath.Join(d.logDir, fmt.Sprintf("%s-%s.log", a.Name, safeLogSuffix(req.ID)))

	if a.Flags.Has(NoReturn) {
		// acknowledge as soon as the process is spawned; don't wait for exit.
		go d.runDetached(a.Target.Command[0], args, logPath)
		d.ack(ctx, req, agenterr.Success, "")
		return
	}

	stdout, stderr, exitCode := d.executer.ExecuteWithContext(ctx, a.Target.Command[0], args...)
	writeCommandLog(logPath, stdout, stderr)
	if exitCode != 0 {
		code, msg := classifyExitFailure(exitCode, stderr)
		d.ack(ctx, req, code, msg)
		return
	}
	d.ack(ctx, req, agenterr.Success, "")
}

// classifyExitFailure maps a subprocess target's nonzero exit into the
// taxonomy. executer.Executer reports exit status as a plain int (-1 for a
// spawn failure, e.g. bad uid/gid) rather than an *exec.ExitError, so this
// mirrors agenterr.FromExitError's stderr substring matching instead of
// calling it directly.
func classifyExitFailure(exitCode int, stderr string) (agenterr.Code, string) {
	switch {
	case exitCode == -1:
		return agenterr.ExecutionError, fmt.Sprintf("failed to start command: %s", stderr)
	case strings.Contains(stderr, "permission denied"):
		return agenterr.NoPermission, stderr
	case strings.Contains(stderr, "no such file or directory"):
		return agenterr.NotFound, stderr
	default:
		return agenterr.ExecutionError, fmt.Sprintf("exit code %d: %s", exitCode, stderr)
	}
}

func (d *Dispatcher) runDetached(command string, args []string, logPath string) {
	defer runtimeutil.HandleCrash(func(r interface{}) {
		d.log.Errorf("recovered panic running detached command %s: %v", command, r)
	})
	stdout, stderr, _ := d.executer.ExecuteWithContext(context.Background(), command, args...)
	writeCommandLog(logPath, stdout, stderr)
}

func (d *Dispatcher) ack(ctx context.Context, req *cloudproto.ActionRequest, code agenterr.Code, message string) {
	if err := d.publisher.PublishAck(ctx, req, int(code), message); err != nil {
		d.log.Errorf("failed to publish ack for request %s: %v", req.ID, err)
	}
}

func validateParams(a *Action, provided map[string]cloudproto.Value) (map[string]cloudproto.Value, error) {
	validated := make(map[string]cloudproto.Value, len(provided))
	for _, spec := range a.Params {
		if spec.Direction == Out {
			continue
		}
		v, ok := provided[spec.Name]
		if !ok {
			if spec.Direction == InRequired {
				return nil, fmt.Errorf("%w: missing required parameter %q", agenterr.ErrBadParameter, spec.Name)
			}
			continue
		}
		cast, err := v.CastTo(spec.Type)
		if err != nil {
			return nil, err
		}
		validated[spec.Name] = cast
	}
	return validated, nil
}

func filterOutputParams(a *Action, output map[string]cloudproto.Value) map[string]cloudproto.Value {
	filtered := make(map[string]cloudproto.Value)
	for _, spec := range a.Params {
		if spec.Direction != Out {
			continue
		}
		if v, ok := output[spec.Name]; ok {
			filtered[spec.Name] = v
		}
	}
	return filtered
}

func valueToArg(v cloudproto.Value) string {
	switch v.Type() {
	case cloudproto.TypeString:
		s, _ := v.String()
		return s
	case cloudproto.TypeBool:
		b, _ := v.Bool()
		if b {
			return "true"
		}
		return "false"
	case cloudproto.TypeF32, cloudproto.TypeF64:
		f, _ := v.Float()
		return fmt.Sprintf("%v", f)
	default:
		i, _ := v.Int()
		return fmt.Sprintf("%d", i)
	}
}

func safeLogSuffix(id string) string {
	if id == "" {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return id
}

func writeCommandLog(path, stdout, stderr string) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	content := "=== stdout ===\n" + stdout + "\n=== stderr ===\n" + stderr + "\n"
	_ = os.WriteFile(path, []byte(content), 0o644)
}
