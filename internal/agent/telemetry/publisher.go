// Package telemetry implements the telemetry & attribute publisher (C4): a
// ticking collector that samples device state and emits it through the
// cloud protocol codec, the way device/publisher polls and fans out a
// rendered device spec, adapted here to push typed samples outward instead
// of pulling a spec inward.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/pkg/log"
	"github.com/montagao/iot-device-agent/pkg/ring_buffer"
)

// Sample is one collected reading, keyed the way the cloud protocol keys
// properties and attributes.
type Sample struct {
	Key       string
	Value     cloudproto.Value
	Timestamp time.Time
}

// Collector gathers the current set of telemetry samples. Returning an
// error does not abort the publisher; it is retried per the configured
// backoff and otherwise logged.
type Collector func(ctx context.Context) ([]Sample, error)

// Publisher ticks at Interval, collects samples, and publishes each one as
// the command its type selects: Location -> location.publish,
// string/raw -> attribute.publish, everything else -> property.publish.
type Publisher struct {
	codec     *cloudproto.Codec
	publish   func(ctx context.Context, payload []byte) error
	collector Collector
	interval  time.Duration
	backoff   wait.Backoff

	buffer  *ring_buffer.RingBuffer[Sample]
	stopped atomic.Bool
	log     *log.PrefixLogger
	mu      sync.Mutex
}

// New constructs a Publisher. publish is the transport-level send (wired by
// cmd/device-agent to the MQTT transport's Publish), kept as a function value
// rather than a transport import to avoid a dependency cycle.
func New(codec *cloudproto.Codec, publish func(ctx context.Context, payload []byte) error, collector Collector, interval time.Duration, backoff wait.Backoff, logger *log.PrefixLogger) *Publisher {
	return &Publisher{
		codec:     codec,
		publish:   publish,
		collector: collector,
		interval:  interval,
		backoff:   backoff,
		buffer:    ring_buffer.NewRingBuffer[Sample](64),
		log:       logger,
	}
}

func (p *Publisher) collectWithRetry(ctx context.Context) ([]Sample, error) {
	var samples []Sample
	err := wait.ExponentialBackoff(p.backoff, func() (bool, error) {
		s, err := p.collector(ctx)
		if err != nil {
			return false, nil //nolint:nilerr // retry on collector error up to the backoff budget
		}
		samples = s
		return true, nil
	})
	return samples, err
}

func (p *Publisher) tick(ctx context.Context) {
	if p.stopped.Load() {
		return
	}

	start := time.Now()
	samples, err := p.collectWithRetry(ctx)
	if time.Since(start) > time.Minute {
		p.log.Debugf("telemetry collection took %v", time.Since(start))
	}
	if err != nil {
		p.log.Errorf("giving up on telemetry collection: %v", err)
		return
	}

	for _, s := range samples {
		if err := p.buffer.Push(s); err != nil {
			p.log.Errorf("telemetry buffer push failed: %v", err)
		}
	}
	p.drain(ctx)
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		s, ok, err := p.buffer.TryPop()
		if err != nil || !ok {
			return
		}
		payload, err := p.encode(s)
		if err != nil {
			p.log.Errorf("failed to encode telemetry sample %q: %v", s.Key, err)
			continue
		}
		if err := p.publish(ctx, payload); err != nil {
			p.log.Errorf("failed to publish telemetry sample %q: %v", s.Key, err)
		}
	}
}

func (p *Publisher) encode(s Sample) ([]byte, error) {
	switch s.Value.Type() {
	case cloudproto.TypeLocation:
		loc, _ := s.Value.Location()
		return p.codec.EncodeLocationPublish(*loc, s.Timestamp)
	case cloudproto.TypeString, cloudproto.TypeRaw:
		return p.codec.EncodeAttributePublish(s.Key, s.Value, s.Timestamp)
	default:
		return p.codec.EncodePropertyPublish(s.Key, s.Value, s.Timestamp)
	}
}

// Run ticks until ctx is done.
func (p *Publisher) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer p.stop()
	if wg != nil {
		defer wg.Done()
	}
	p.log.Debug("starting telemetry publisher")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("telemetry publisher context done")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// PublishNow forces an immediate collect-and-publish cycle outside the
// regular tick.
func (p *Publisher) PublishNow(ctx context.Context) {
	p.tick(ctx)
}

func (p *Publisher) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped.Store(true)
	p.buffer.Stop()
}
