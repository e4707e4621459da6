package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub001/internal/endpoint"
)

// recordingStatsStore captures applied deltas and signals each flush write.
type recordingStatsStore struct {
	mu      sync.Mutex
	applied []appliedDelta
	flushed chan struct{}
}

type appliedDelta struct {
	endpointID string
	delta      endpoint.StatsDelta
}

func newRecordingStatsStore() *recordingStatsStore {
	return &recordingStatsStore{flushed: make(chan struct{}, 64)}
}

func (s *recordingStatsStore) ApplyStatsDelta(_ context.Context, id string, delta endpoint.StatsDelta) error {
	s.mu.Lock()
	s.applied = append(s.applied, appliedDelta{endpointID: id, delta: delta})
	s.mu.Unlock()
	s.flushed <- struct{}{}
	return nil
}

func (s *recordingStatsStore) waitForFlush(t *testing.T) appliedDelta {
	t.Helper()
	select {
	case <-s.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stats flush")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[len(s.applied)-1]
}

func (s *recordingStatsStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func TestStatsBurstCollapsesToOneWrite(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 10_000)

	// A burst of 50 connects and 10 disconnects queued before the worker
	// starts must collapse into one storage write of net +40 / lifetime +50.
	for i := 0; i < 50; i++ {
		u.RecordConnect("ep1")
	}
	for i := 0; i < 10; i++ {
		u.RecordDisconnect("ep1")
	}

	u.Start()
	defer u.Close()

	got := store.waitForFlush(t)
	if got.endpointID != "ep1" {
		t.Errorf("endpointID = %q, want ep1", got.endpointID)
	}
	if got.delta.ConnectionDelta != 40 {
		t.Errorf("ConnectionDelta = %d, want 40", got.delta.ConnectionDelta)
	}
	if got.delta.TotalConnections != 50 {
		t.Errorf("TotalConnections = %d, want 50", got.delta.TotalConnections)
	}
	if store.writeCount() != 1 {
		t.Errorf("storage writes = %d, want the burst collapsed into 1", store.writeCount())
	}
}

func TestStatsDisconnectFlushesPromptly(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 10_000)
	u.Start()
	defer u.Close()

	// Well below the batch threshold and far from the ticker: the
	// disconnect alone must trigger the flush.
	u.RecordDisconnect("ep1")

	got := store.waitForFlush(t)
	if got.delta.ConnectionDelta != -1 {
		t.Errorf("ConnectionDelta = %d, want -1", got.delta.ConnectionDelta)
	}
}

func TestStatsBatchSizeThresholdFlushes(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 5)

	for i := 0; i < 5; i++ {
		u.RecordMessage("ep1")
	}
	u.Start()
	defer u.Close()

	got := store.waitForFlush(t)
	if got.delta.TotalMessages != 5 {
		t.Errorf("TotalMessages = %d, want 5", got.delta.TotalMessages)
	}
	if !got.delta.Active {
		t.Error("message activity must mark the delta active")
	}
}

func TestStatsTickerFlushes(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, 20*time.Millisecond, 10_000)

	u.RecordMessage("ep1")
	u.RecordMessage("ep1")
	u.Start()
	defer u.Close()

	got := store.waitForFlush(t)
	if got.delta.TotalMessages != 2 {
		t.Errorf("TotalMessages = %d, want 2", got.delta.TotalMessages)
	}
}

func TestStatsCloseFlushesRemainder(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 10_000)
	u.Start()

	u.RecordConnect("ep1")
	u.RecordMessage("ep1")
	u.Close()

	if store.writeCount() != 1 {
		t.Fatalf("storage writes after Close = %d, want 1", store.writeCount())
	}
	got := store.waitForFlush(t)
	if got.delta.ConnectionDelta != 1 || got.delta.TotalMessages != 1 {
		t.Errorf("final delta = %+v, want the un-flushed remainder", got.delta)
	}
}

func TestStatsAccumulatesPerEndpoint(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 10_000)

	u.RecordConnect("ep1")
	u.RecordConnect("ep1")
	u.RecordConnect("ep2")
	u.Start()
	u.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.applied) != 2 {
		t.Fatalf("storage writes = %d, want one per endpoint", len(store.applied))
	}
	byEndpoint := make(map[string]endpoint.StatsDelta)
	for _, a := range store.applied {
		byEndpoint[a.endpointID] = a.delta
	}
	if byEndpoint["ep1"].TotalConnections != 2 {
		t.Errorf("ep1 TotalConnections = %d, want 2", byEndpoint["ep1"].TotalConnections)
	}
	if byEndpoint["ep2"].TotalConnections != 1 {
		t.Errorf("ep2 TotalConnections = %d, want 1", byEndpoint["ep2"].TotalConnections)
	}
}

func TestStatsQueueFullDropsInsteadOfBlocking(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 1_000_000)

	// Overfill the queue before the worker starts; the overflow must be
	// dropped without blocking the caller.
	for i := 0; i < statsQueueSize+10; i++ {
		u.RecordMessage("ep1")
	}

	u.Start()
	u.Close()

	got := store.waitForFlush(t)
	if got.delta.TotalMessages != statsQueueSize {
		t.Errorf("TotalMessages = %d, want %d (overflow dropped)", got.delta.TotalMessages, statsQueueSize)
	}
}

func TestStatsTelemetryReceivesFlushedDeltas(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 10_000)

	var mu sync.Mutex
	var exported []endpoint.StatsDelta
	u.SetTelemetry(telemetryFunc(func(_ string, delta endpoint.StatsDelta) {
		mu.Lock()
		exported = append(exported, delta)
		mu.Unlock()
	}))

	u.RecordConnect("ep1")
	u.Start()
	u.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(exported) != 1 {
		t.Fatalf("telemetry writes = %d, want 1", len(exported))
	}
	if exported[0].TotalConnections != 1 {
		t.Errorf("exported TotalConnections = %d, want 1", exported[0].TotalConnections)
	}
}

func TestStatsFlushExportsRegistryGauges(t *testing.T) {
	store := newRecordingStatsStore()
	u := NewStatsUpdater(store, time.Hour, 10_000)

	var mu sync.Mutex
	gauges := map[string]float64{}
	u.SetTelemetry(gaugeFunc(func(name string, value float64) {
		mu.Lock()
		gauges[name] = value
		mu.Unlock()
	}))
	u.SetRegistry(fixedTotals{endpoints: 2, connections: 5})

	u.RecordConnect("ep1")
	u.Start()
	u.Close()

	mu.Lock()
	defer mu.Unlock()
	if got := gauges["active_endpoints"]; got != 2 {
		t.Errorf("active_endpoints gauge = %v, want 2", got)
	}
	if got := gauges["total_connections"]; got != 5 {
		t.Errorf("total_connections gauge = %v, want 5", got)
	}
}

// telemetryFunc adapts a function to the Telemetry interface's delta side.
type telemetryFunc func(endpointID string, delta endpoint.StatsDelta)

func (f telemetryFunc) WriteEndpointDelta(endpointID string, delta endpoint.StatsDelta) {
	f(endpointID, delta)
}

func (telemetryFunc) WriteGauge(string, float64) {}

// gaugeFunc adapts a function to the Telemetry interface's gauge side.
type gaugeFunc func(name string, value float64)

func (gaugeFunc) WriteEndpointDelta(string, endpoint.StatsDelta) {}

func (f gaugeFunc) WriteGauge(name string, value float64) {
	f(name, value)
}

// fixedTotals is a static RegistryTotals source.
type fixedTotals struct {
	endpoints   int
	connections int
}

func (f fixedTotals) ActiveEndpoints() int  { return f.endpoints }
func (f fixedTotals) TotalConnections() int { return f.connections }
