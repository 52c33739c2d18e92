// Package transport implements the MQTT transport adapter (C1): connect,
// reconnect, publish, subscribe, and connection-state tracking over
// github.com/eclipse/paho.mqtt.golang.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/montagao/iot-device-agent/internal/agent/agenterr"
	"github.com/montagao/iot-device-agent/pkg/log"
)

// ProtocolVersion selects the MQTT protocol level a Connect uses. The
// original source picked MQTT_PROTOCOL_V31 on two code paths even when the
// caller asked for 3.1.1 (a likely copy-paste bug, spec.md §9); this enum
// maps each value distinctly so that bug cannot recur here.
type ProtocolVersion int

const (
	ProtocolDefault ProtocolVersion = iota
	Protocol31
	Protocol311
)

func (v ProtocolVersion) paho() uint {
	switch v {
	case Protocol31:
		return 3
	case Protocol311:
		return 4
	default:
		return 4
	}
}

// ProxyType selects the proxy protocol for ProxyConfig.
type ProxyType int

const (
	ProxyNone ProxyType = iota
	ProxyHTTP
	ProxySOCKS5
)

// TLSConfig carries the optional trust store / client cert fields.
type TLSConfig struct {
	TrustStore string
	ClientCert string
	ClientKey  string
	Insecure   bool
}

// ProxyConfig carries an optional SOCKS5 or HTTP proxy. This adapter does
// not route the MQTT connection through any proxy: a configured HTTP or
// SOCKS5 proxy is logged and ignored rather than failing the connect.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// ConnectOptions mirrors spec.md §4.1's enumerated connect option fields.
type ConnectOptions struct {
	ClientID string
	Host     string
	Port     int
	Username string
	Password string
	SSL      *TLSConfig
	Proxy    *ProxyConfig
	Version  ProtocolVersion
}

func (o ConnectOptions) port() int {
	if o.Port != 0 {
		return o.Port
	}
	if o.SSL != nil {
		return 8883
	}
	return 1883
}

func (o ConnectOptions) url() string {
	scheme := "tcp"
	if o.SSL != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.port())
}

// DisconnectHandler is invoked on every transport disconnect, solicited or
// not. unexpected is true iff the previous state was connected.
type DisconnectHandler func(unexpected bool)

// MessageHandler is invoked for every message delivered on a subscribed
// topic. It MUST NOT block or call back into Transport's publish/subscribe
// surface: per spec.md §5 the receive thread only copies into bounded
// queues and signals.
type MessageHandler func(topic string, payload []byte)

// DeliveryHandler is invoked when a previously published message is
// acknowledged by the broker (QoS 1/2 PUBACK/PUBCOMP).
type DeliveryHandler func(msgID uint16)

// Status is the connection-state triple the spec requires: connected,
// changed, changed_at, guarded by its own mutex per spec.md §5.
type Status struct {
	Connected bool
	Changed   bool
	ChangedAt time.Time
}

// keepAliveSeconds is fixed at 60s per spec.md §4.1.
const keepAliveSeconds = 60

// Transport is the C1 adapter. The zero value is not usable; construct with
// New.
type Transport struct {
	log *log.PrefixLogger

	mu     sync.RWMutex
	client mqtt.Client
	opts   ConnectOptions

	stateMu sync.Mutex
	state   Status

	reconnects int

	onMessage    MessageHandler
	onDelivery   DeliveryHandler
	onDisconnect DisconnectHandler
}

func New(logger *log.PrefixLogger) *Transport {
	return &Transport{log: logger}
}

func (t *Transport) SetOnMessage(h MessageHandler)       { t.onMessage = h }
func (t *Transport) SetOnDelivery(h DeliveryHandler)     { t.onDelivery = h }
func (t *Transport) SetOnDisconnect(h DisconnectHandler) { t.onDisconnect = h }

// Status returns a snapshot of the connection-state triple.
func (t *Transport) Status() Status {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *Transport) setConnected(connected bool) {
	t.stateMu.Lock()
	t.state = Status{Connected: connected, Changed: true, ChangedAt: time.Now()}
	t.stateMu.Unlock()
}

// Connect establishes a new MQTT session with cleansession=true. Failures
// surface as agenterr.ErrBadParameter (malformed options) or
// agenterr.ErrFailure (broker rejected / network error).
func (t *Transport) Connect(ctx context.Context, opts ConnectOptions, deadline time.Duration) error {
	return t.connect(ctx, opts, deadline, true)
}

// Reconnect is Connect with cleansession=false and the same credentials; a
// fresh client options URL is re-materialized on every attempt.
func (t *Transport) Reconnect(ctx context.Context, deadline time.Duration) error {
	t.mu.RLock()
	opts := t.opts
	t.mu.RUnlock()
	if opts.ClientID == "" {
		return fmt.Errorf("%w: reconnect called before a prior connect", agenterr.ErrBadRequest)
	}
	t.reconnects++
	return t.connect(ctx, opts, deadline, false)
}

func (t *Transport) connect(ctx context.Context, opts ConnectOptions, deadline time.Duration, cleanSession bool) error {
	if opts.ClientID == "" || opts.Host == "" {
		return fmt.Errorf("%w: client_id and host are required", agenterr.ErrBadParameter)
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.url())
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(cleanSession)
	co.SetKeepAlive(keepAliveSeconds * time.Second)
	co.SetAutoReconnect(false) // C7 drives reconnection, not the library
	co.SetProtocolVersion(opts.Version.paho())

	// username/password only sent for protocol >= 3.1.1, spec.md §4.1
	if opts.Version != Protocol31 {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	if opts.SSL != nil {
		tlsCfg := &tls.Config{InsecureSkipVerify: opts.SSL.Insecure} //nolint:gosec // caller-controlled, documented protocol field
		co.SetTLSConfig(tlsCfg)
	}

	if opts.Proxy != nil {
		t.applyProxy(co, opts.Proxy)
	}

	co.SetOnConnectHandler(func(mqtt.Client) {
		t.reconnects = 0
		t.setConnected(true)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		wasConnected := t.Status().Connected
		t.setConnected(false)
		if t.onDisconnect != nil {
			t.onDisconnect(wasConnected)
		}
	})
	co.SetDefaultPublishHandler(func(c mqtt.Client, m mqtt.Message) {
		if t.onMessage != nil {
			t.onMessage(m.Topic(), m.Payload())
		}
	})

	client := mqtt.NewClient(co)
	if err := contextToken(ctx, client.Connect(), deadline); err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrFailure, err)
	}

	t.mu.Lock()
	t.client = client
	t.opts = opts
	t.mu.Unlock()
	return nil
}

func (t *Transport) applyProxy(co *mqtt.ClientOptions, proxy *ProxyConfig) {
	switch proxy.Type {
	case ProxyHTTP:
		// paho's net/http transport honors HTTP_PROXY; combining a
		// per-connection proxy with a shared client isn't supported by
		// this library version, so we log and skip rather than fail.
		t.log.Warnf("HTTP proxy configured but not supported by this MQTT client; ignoring")
	case ProxySOCKS5:
		t.log.Warnf("SOCKS5 proxy configured but not supported by this MQTT client; ignoring")
	}
	_ = co
}

// Disconnect gracefully closes the session, waiting up to 250ms for
// in-flight work to drain.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	wasConnected := t.Status().Connected
	client.Disconnect(250)
	t.setConnected(false)
	if t.onDisconnect != nil {
		t.onDisconnect(wasConnected)
	}
	return nil
}

// Publish sends bytes on topic. Agent-internal topics (reply/#, api,
// notify/mailbox_activity) always use qos=1 per spec.md §4.1.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool, deadline time.Duration) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("%w: not connected", agenterr.ErrFailure)
	}
	token := client.Publish(topic, qos, retain, payload)
	if err := contextToken(ctx, token, deadline); err != nil {
		return fmt.Errorf("%w: publish %s: %v", agenterr.ErrFailure, topic, err)
	}
	if t.onDelivery != nil {
		if pt, ok := token.(*mqtt.PublishToken); ok {
			t.onDelivery(pt.MessageID())
		}
	}
	return nil
}

// Subscribe subscribes to topic at the given QoS, invoking the registered
// MessageHandler for deliveries.
func (t *Transport) Subscribe(ctx context.Context, topic string, qos byte, deadline time.Duration) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: not connected", agenterr.ErrNotInitialized)
	}
	token := client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		if t.onMessage != nil {
			t.onMessage(m.Topic(), m.Payload())
		}
	})
	if err := contextToken(ctx, token, deadline); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", agenterr.ErrFailure, topic, err)
	}
	return nil
}

// Unsubscribe removes a subscription.
func (t *Transport) Unsubscribe(ctx context.Context, topic string, deadline time.Duration) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return nil
	}
	return contextToken(ctx, client.Unsubscribe(topic), deadline)
}

// Reconnects returns the count of reconnect attempts since the last
// successful connect, reset to zero on success.
func (t *Transport) Reconnects() int {
	return t.reconnects
}

// contextToken bridges a paho Token, which has no context support, to a
// deadline/ctx-aware wait. deadline<=0 uses a 1-day default per spec.md §5
// ("0 => library default: 1 day").
func contextToken(ctx context.Context, token mqtt.Token, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	done := make(chan bool, 1)
	go func() {
		done <- token.WaitTimeout(deadline)
	}()
	select {
	case completed := <-done:
		if !completed {
			return fmt.Errorf("%w: no response within %v", agenterr.ErrTimedOut, deadline)
		}
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
