package relay

import (
	"context"
	"sync"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
)

// Stats updater tuning constants.
const (
	// statsQueueSize is the event channel capacity. The channel decouples
	// the relay hot path from storage latency; a full channel drops the
	// event rather than blocking a broadcast.
	statsQueueSize = 1024

	// statsFlushTimeout bounds each per-endpoint storage write.
	statsFlushTimeout = 5 * time.Second
)

// statsEventKind discriminates accumulated events.
type statsEventKind int

const (
	statsConnect statsEventKind = iota
	statsDisconnect
	statsMessage
)

// statsEvent is one recorded connection or message delta.
type statsEvent struct {
	endpointID string
	kind       statsEventKind
}

// EndpointStatsStore applies accumulated per-endpoint deltas to storage.
type EndpointStatsStore interface {
	ApplyStatsDelta(ctx context.Context, id string, delta endpoint.StatsDelta) error
}

// Telemetry receives flushed per-endpoint deltas and live gauges for
// time-series export. Implementations must be non-blocking.
type Telemetry interface {
	WriteEndpointDelta(endpointID string, delta endpoint.StatsDelta)
	WriteGauge(name string, value float64)
}

// RegistryTotals reports live connection totals for gauge export.
// Implemented by the connection registry.
type RegistryTotals interface {
	ActiveEndpoints() int
	TotalConnections() int
}

// StatsUpdater accumulates connect/disconnect/message deltas per endpoint
// and flushes them to storage on a timer, on a batch-size threshold, and
// promptly after disconnect events.
//
// The accumulator map is owned exclusively by the worker goroutine; callers
// only ever touch the Record* methods, which enqueue and return.
type StatsUpdater struct {
	store     EndpointStatsStore
	telemetry Telemetry
	totals    RegistryTotals
	logger    Logger

	flushInterval time.Duration
	batchSize     int

	events chan statsEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewStatsUpdater creates a batched stats updater.
func NewStatsUpdater(store EndpointStatsStore, flushInterval time.Duration, batchSize int) *StatsUpdater {
	if batchSize < 1 {
		batchSize = 1
	}
	return &StatsUpdater{
		store:         store,
		logger:        noopLogger{},
		flushInterval: flushInterval,
		batchSize:     batchSize,
		events:        make(chan statsEvent, statsQueueSize),
		done:          make(chan struct{}),
	}
}

// SetLogger sets the logger for the updater.
func (u *StatsUpdater) SetLogger(logger Logger) {
	u.logger = logger
}

// SetTelemetry sets the optional time-series export sink.
func (u *StatsUpdater) SetTelemetry(t Telemetry) {
	u.telemetry = t
}

// SetRegistry sets the live totals source exported as gauges on each flush.
func (u *StatsUpdater) SetRegistry(totals RegistryTotals) {
	u.totals = totals
}

// Start launches the background flush worker.
func (u *StatsUpdater) Start() {
	u.wg.Add(1)
	go u.run()
}

// Close stops the worker after a final flush of accumulated deltas.
func (u *StatsUpdater) Close() {
	close(u.done)
	u.wg.Wait()
}

// RecordConnect records one connection-opened event. Never blocks.
func (u *StatsUpdater) RecordConnect(endpointID string) {
	u.enqueue(statsEvent{endpointID: endpointID, kind: statsConnect})
}

// RecordDisconnect records one connection-closed event. Never blocks.
func (u *StatsUpdater) RecordDisconnect(endpointID string) {
	u.enqueue(statsEvent{endpointID: endpointID, kind: statsDisconnect})
}

// RecordMessage records one relayed-message event. Never blocks.
func (u *StatsUpdater) RecordMessage(endpointID string) {
	u.enqueue(statsEvent{endpointID: endpointID, kind: statsMessage})
}

// enqueue adds an event to the worker queue, dropping when full so the
// relay's deliver-the-message responsibility never stalls on stats.
func (u *StatsUpdater) enqueue(ev statsEvent) {
	select {
	case u.events <- ev:
	default:
		u.logger.Warn("stats event dropped, queue full", "endpoint_id", ev.endpointID)
	}
}

// run is the worker loop. It drains all buffered events before deciding
// whether to flush, so bursts collapse into a single storage write per
// endpoint.
func (u *StatsUpdater) run() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.flushInterval)
	defer ticker.Stop()

	acc := make(map[string]*endpoint.StatsDelta)
	pending := 0
	sawDisconnect := false

	apply := func(ev statsEvent) {
		delta, ok := acc[ev.endpointID]
		if !ok {
			delta = &endpoint.StatsDelta{}
			acc[ev.endpointID] = delta
		}
		switch ev.kind {
		case statsConnect:
			delta.ConnectionDelta++
			delta.TotalConnections++
		case statsDisconnect:
			delta.ConnectionDelta--
			sawDisconnect = true
		case statsMessage:
			delta.TotalMessages++
			delta.Active = true
		}
		pending++
	}

	flush := func() {
		if pending == 0 {
			return
		}
		u.flush(acc)
		acc = make(map[string]*endpoint.StatsDelta)
		pending = 0
		sawDisconnect = false
	}

	for {
		select {
		case ev := <-u.events:
			apply(ev)
			// Collapse whatever else is already buffered into this batch.
		drain:
			for {
				select {
				case next := <-u.events:
					apply(next)
				default:
					break drain
				}
			}
			if sawDisconnect || pending >= u.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-u.done:
			// Drain any events recorded before shutdown, then final flush.
			for {
				select {
				case ev := <-u.events:
					apply(ev)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// flush writes one storage delta per accumulated endpoint. Failures are
// logged and swallowed; stats are eventually consistent, not transactional.
func (u *StatsUpdater) flush(acc map[string]*endpoint.StatsDelta) {
	for endpointID, delta := range acc {
		ctx, cancel := context.WithTimeout(context.Background(), statsFlushTimeout)
		err := u.store.ApplyStatsDelta(ctx, endpointID, *delta)
		cancel()
		if err != nil {
			u.logger.Warn("stats flush failed",
				"endpoint_id", endpointID, "error", err)
			continue
		}

		if u.telemetry != nil {
			u.telemetry.WriteEndpointDelta(endpointID, *delta)
		}
	}

	if u.telemetry != nil && u.totals != nil {
		u.telemetry.WriteGauge("active_endpoints", float64(u.totals.ActiveEndpoints()))
		u.telemetry.WriteGauge("total_connections", float64(u.totals.TotalConnections()))
	}
}
