// Package agent implements the agent scheduler (C7): a single cooperative
// tick loop that owns the MQTT transport, the cloud protocol codec, the
// action dispatcher, and the telemetry publisher, fanning each tick out to
// registered plugins.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/montagao/iot-device-agent/internal/agent/action"
	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/internal/agent/config"
	"github.com/montagao/iot-device-agent/internal/agent/telemetry"
	"github.com/montagao/iot-device-agent/internal/agent/transport"
	"github.com/montagao/iot-device-agent/pkg/log"
	runtimeutil "github.com/montagao/iot-device-agent/pkg/runtime"
)

// tickInterval is the scheduler's cooperative loop period, per the
// single-threaded ~1Hz event loop the protocol design calls for.
const tickInterval = 1 * time.Second

// mailboxCheckInterval is how often the scheduler polls the cloud for
// queued action requests: a mailbox.check goes out whenever this long has
// passed since the last one.
const mailboxCheckInterval = 30 * time.Second

// replyTopic and notifyTopic are the two inbound topics the transport
// subscribes to on every (re)connect; outbound commands always go to the
// device's CommandTopic. replyTopic is a wildcard subscription, so delivered
// messages arrive on a concrete suffix of replyTopicPrefix, not the literal
// filter string.
const (
	replyTopic       = "reply/#"
	replyTopicPrefix = "reply/"
	notifyTopic      = "notify/mailbox_activity"
	subscribeQoS     = 1

	// mailboxPublishTimeout bounds a single mailbox.check publish, used both
	// by the periodic poll and the (re)connect-triggered check.
	mailboxPublishTimeout = 10 * time.Second
)

// Agent wires together the transport, codec, action dispatcher, and
// telemetry publisher into the single cooperative scheduler loop.
type Agent struct {
	cfg *config.Config

	transport  *transport.Transport
	codec      *cloudproto.Codec
	registry   *action.Registry
	dispatcher *action.Dispatcher
	telemetry  *telemetry.Publisher

	plugins []Plugin

	log *log.PrefixLogger

	mu               sync.Mutex
	lastMailboxCheck time.Time
	everConnected    bool
}

// New constructs a scheduler around already-configured components. The
// scheduler owns none of their lifecycles except driving Run loops.
func New(cfg *config.Config, t *transport.Transport, codec *cloudproto.Codec, registry *action.Registry, dispatcher *action.Dispatcher, pub *telemetry.Publisher, logger *log.PrefixLogger) *Agent {
	return &Agent{
		cfg:        cfg,
		transport:  t,
		codec:      codec,
		registry:   registry,
		dispatcher: dispatcher,
		telemetry:  pub,
		log:        logger,
	}
}

// AddPlugin registers p to receive every scheduler lifecycle hook.
func (a *Agent) AddPlugin(p Plugin) *Agent {
	a.plugins = append(a.plugins, p)
	return a
}

func (a *Agent) notify(op Op, deadline time.Time, step Step, item string, value interface{}) {
	for _, p := range a.plugins {
		if err := p.Execute(op, deadline, step, item, value); err != nil {
			a.log.Errorf("plugin %s failed on %s/%s: %v", p.Name(), op, step, err)
		}
	}
}

// Run drives the scheduler until ctx is done, then performs shutdown:
// disconnect, deregister actions (unless PersistActions is set), and
// release resources.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer runtimeutil.HandleCrash(func(r interface{}) {
			a.log.Errorf("recovered panic in action dispatcher: %v", r)
		})
		if err := a.dispatcher.Run(ctx); err != nil {
			a.log.Errorf("action dispatcher stopped: %v", err)
		}
	}()

	if a.telemetry != nil {
		wg.Add(1)
		go a.telemetry.Run(ctx, &wg)
	}

	if err := a.connect(ctx); err != nil {
		a.log.Errorf("initial connect failed, will retry on tick: %v", err)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			wg.Wait()
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	deadline := time.Now().Add(tickInterval)
	a.notify(OpIteration, deadline, StepBefore, "", nil)

	if !a.transport.Status().Connected {
		if err := a.connect(ctx); err != nil {
			a.log.ErrorfEvery("connect", 20*time.Second, "reconnect failed: %v", err)
		}
	} else {
		a.maybeCheckMailbox(ctx, deadline)
	}

	a.notify(OpIteration, deadline, StepAfter, "", nil)
}

func (a *Agent) connect(ctx context.Context) error {
	deadline := time.Now().Add(tickInterval)
	a.notify(OpClientConnect, deadline, StepBefore, "", nil)

	a.mu.Lock()
	reconnecting := a.everConnected
	a.mu.Unlock()

	var err error
	if reconnecting {
		err = a.transport.Reconnect(ctx, 10*time.Second)
	} else {
		opts := transport.ConnectOptions{
			ClientID: a.cfg.DeviceID,
			Host:     a.cfg.MQTT.Host,
			Port:     a.cfg.MQTT.Port,
			Username: a.cfg.MQTT.Username,
			Password: a.cfg.MQTT.Password,
			Version:  a.cfg.MQTT.ProtocolVersion,
		}
		if a.cfg.MQTT.TLS != nil {
			opts.SSL = a.cfg.MQTT.TLS
		}
		if a.cfg.Proxy != nil {
			opts.Proxy = a.cfg.Proxy
		}
		err = a.transport.Connect(ctx, opts, 10*time.Second)
	}

	if err == nil {
		a.mu.Lock()
		a.everConnected = true
		a.mu.Unlock()

		if subErr := a.transport.Subscribe(ctx, replyTopic, subscribeQoS, 10*time.Second); subErr != nil {
			a.log.Errorf("subscribing to %s: %v", replyTopic, subErr)
		}
		if subErr := a.transport.Subscribe(ctx, notifyTopic, subscribeQoS, 10*time.Second); subErr != nil {
			a.log.Errorf("subscribing to %s: %v", notifyTopic, subErr)
		}
		// A fresh (or resumed) session may carry queued action requests on
		// the cloud side; check the mailbox immediately rather than waiting
		// for the next periodic poll.
		a.checkMailbox(ctx)
	}
	a.notify(OpClientConnect, deadline, StepAfter, "", err)
	return err
}

// maybeCheckMailbox checks the mailbox once mailboxCheckInterval has elapsed
// since the last check, the periodic fallback for when no activity
// notification arrives.
func (a *Agent) maybeCheckMailbox(ctx context.Context, deadline time.Time) {
	a.mu.Lock()
	due := time.Since(a.lastMailboxCheck) >= mailboxCheckInterval
	a.mu.Unlock()
	if !due {
		return
	}
	a.checkMailbox(ctx)
}

// checkMailbox unconditionally publishes a mailbox.check and stamps
// lastMailboxCheck, used both by the periodic poll and by a successful
// (re)connect or activity notification.
func (a *Agent) checkMailbox(ctx context.Context) {
	a.mu.Lock()
	a.lastMailboxCheck = time.Now()
	a.mu.Unlock()

	payload, err := a.codec.EncodeMailboxCheck()
	if err != nil {
		a.log.Errorf("encoding mailbox.check: %v", err)
		return
	}
	if err := a.transport.Publish(ctx, a.cfg.MQTT.CommandTopic(), payload, 1, false, mailboxPublishTimeout); err != nil {
		a.log.Errorf("publishing mailbox.check: %v", err)
	}
}

// OnMessage dispatches an inbound MQTT message by topic: a reply/# message
// is decoded into action requests, and a notify/mailbox_activity message
// addressed to this device triggers an immediate mailbox check. Wired as
// the transport's MessageHandler.
func (a *Agent) OnMessage(topic string, payload []byte) {
	switch {
	case strings.HasPrefix(topic, replyTopicPrefix):
		a.OnMailboxReply(payload)
	case topic == notifyTopic:
		if a.codec.IsMailboxActivityFor(payload) {
			a.checkMailbox(context.Background())
		}
	default:
		a.log.Warnf("received message on unexpected topic %s", topic)
	}
}

// OnMailboxReply decodes an inbound reply payload and submits any contained
// action requests to the dispatcher.
func (a *Agent) OnMailboxReply(payload []byte) {
	requests, err := a.codec.DecodeReply(payload)
	if err != nil {
		a.log.Errorf("decoding mailbox reply: %v", err)
		return
	}
	for _, req := range requests {
		a.dispatcher.Submit(req)
	}
}

func (a *Agent) shutdown() {
	a.log.Info("shutting down scheduler")
	if !a.cfg.PersistActions {
		for _, name := range a.registry.Names() {
			a.registry.Deregister(name)
		}
	}
	a.transport.Disconnect()
}
