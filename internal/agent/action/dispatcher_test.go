package action

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/pkg/log"
)

type fakeExecuter struct {
	stdout, stderr string
	exitCode       int
}

func (f *fakeExecuter) ExecuteWithContext(_ context.Context, _ string, _ ...string) (string, string, int) {
	return f.stdout, f.stderr, f.exitCode
}

type capturedAck struct {
	req     *cloudproto.ActionRequest
	code    int
	message string
}

type fakePublisher struct {
	mu   sync.Mutex
	acks []capturedAck
	done chan struct{}
}

func newFakePublisher(expect int) *fakePublisher {
	return &fakePublisher{done: make(chan struct{}, expect)}
}

func (f *fakePublisher) PublishAck(_ context.Context, req *cloudproto.ActionRequest, code int, message string) error {
	f.mu.Lock()
	f.acks = append(f.acks, capturedAck{req, code, message})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakePublisher) waitOne(t *testing.T) capturedAck {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[len(f.acks)-1]
}

func testLogger() *log.PrefixLogger {
	return log.NewPrefixLogger("test")
}

func runDispatcherFor(t *testing.T, d *Dispatcher, req *cloudproto.ActionRequest) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	d.Submit(req)
	// give the worker a moment, then stop the loop
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

func TestDispatchUnknownActionIsNotFound(t *testing.T) {
	reg := NewRegistry()
	pub := newFakePublisher(1)
	d := NewDispatcher(reg, &fakeExecuter{}, pub, t.TempDir(), testLogger())

	runDispatcherFor(t, d, &cloudproto.ActionRequest{ID: "1", Method: "missing"})

	ack := pub.waitOne(t)
	require.Equal(t, int(agenterr.NotFound), ack.code)
}

func TestDispatchDisabledActionIsNoPermission(t *testing.T) {
	reg := NewRegistry()
	called := false
	require.NoError(t, reg.Register(&Action{
		Name:   "reboot",
		Target: Target{Callback: func(*cloudproto.ActionRequest) (map[string]cloudproto.Value, error) { called = true; return nil, nil }},
	}))
	reg.SetEnabled("reboot", false)

	pub := newFakePublisher(1)
	d := NewDispatcher(reg, &fakeExecuter{}, pub, t.TempDir(), testLogger())

	runDispatcherFor(t, d, &cloudproto.ActionRequest{ID: "1", Method: "reboot"})

	ack := pub.waitOne(t)
	require.Equal(t, int(agenterr.NoPermission), ack.code)
	require.False(t, called)
}

func TestDispatchMissingRequiredParamIsBadParameter(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Action{
		Name:   "set-fan-speed",
		Params: []ParamSpec{{Name: "speed", Direction: InRequired, Type: cloudproto.TypeI32}},
		Target: Target{Callback: func(*cloudproto.ActionRequest) (map[string]cloudproto.Value, error) { return nil, nil }},
	}))

	pub := newFakePublisher(1)
	d := NewDispatcher(reg, &fakeExecuter{}, pub, t.TempDir(), testLogger())

	runDispatcherFor(t, d, &cloudproto.ActionRequest{ID: "1", Method: "set-fan-speed", Params: map[string]cloudproto.Value{}})

	ack := pub.waitOne(t)
	require.Equal(t, int(agenterr.BadParameter), ack.code)
}

func TestDispatchCallbackSuccessReturnsOutput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Action{
		Name:   "get-uptime",
		Params: []ParamSpec{{Name: "seconds", Direction: Out, Type: cloudproto.TypeI64}},
		Target: Target{Callback: func(*cloudproto.ActionRequest) (map[string]cloudproto.Value, error) {
			return map[string]cloudproto.Value{"seconds": cloudproto.IntValue(cloudproto.TypeI64, 42)}, nil
		}},
	}))

	pub := newFakePublisher(1)
	d := NewDispatcher(reg, &fakeExecuter{}, pub, t.TempDir(), testLogger())

	req := &cloudproto.ActionRequest{ID: "1", Method: "get-uptime"}
	runDispatcherFor(t, d, req)

	ack := pub.waitOne(t)
	require.Equal(t, int(agenterr.Success), ack.code)
	v, ok := ack.req.Output["seconds"]
	require.True(t, ok)
	i, _ := v.Int()
	require.Equal(t, int64(42), i)
}

func TestDispatchCommandNonzeroExitIsExecutionError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Action{
		Name:   "run-script",
		Target: Target{Command: []string{"/bin/false"}},
	}))

	pub := newFakePublisher(1)
	exec := &fakeExecuter{stderr: "boom", exitCode: 1}
	d := NewDispatcher(reg, exec, pub, t.TempDir(), testLogger())

	runDispatcherFor(t, d, &cloudproto.ActionRequest{ID: "1", Method: "run-script"})

	ack := pub.waitOne(t)
	require.Equal(t, int(agenterr.ExecutionError), ack.code)
}

func TestDispatchNoReturnCommandAcksImmediately(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Action{
		Name:   "async-job",
		Flags:  NoReturn,
		Target: Target{Command: []string{"/bin/sleep", "1"}},
	}))

	pub := newFakePublisher(1)
	exec := &fakeExecuter{exitCode: 0}
	d := NewDispatcher(reg, exec, pub, t.TempDir(), testLogger())

	runDispatcherFor(t, d, &cloudproto.ActionRequest{ID: "1", Method: "async-job"})

	ack := pub.waitOne(t)
	require.Equal(t, int(agenterr.Success), ack.code)
}

func TestExclusiveDeviceSerializesDispatch(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	active := 0
	maxActive := 0
	require.NoError(t, reg.Register(&Action{
		Name:  "exclusive-op",
		Flags: ExclusiveDevice,
		Target: Target{Callback: func(*cloudproto.ActionRequest) (map[string]cloudproto.Value, error) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil, nil
		}},
	}))

	pub := newFakePublisher(3)
	d := NewDispatcher(reg, &fakeExecuter{}, pub, t.TempDir(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		d.Submit(&cloudproto.ActionRequest{ID: string(rune('a' + i)), Method: "exclusive-op"})
	}
	for i := 0; i < 3; i++ {
		pub.waitOne(t)
	}
	cancel()
	<-done

	require.Equal(t, 1, maxActive)
}
