package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/observability"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/port"
	"github.com/baaaht/pktrelay/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewWithWriter(io.Discard, "text", logger.LevelDebug)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l
}

func newEngine(t *testing.T, workers int, opts ...Option) (*Engine, *port.Registry) {
	t.Helper()
	reg := port.NewRegistry()
	cfg := config.DefaultRelayConfig()
	cfg.Workers = workers
	e, err := New(cfg, reg, testLogger(t), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, reg
}

func mustRegister(t *testing.T, reg *port.Registry, id types.Identity) *port.Port {
	t.Helper()
	p, err := reg.Register(id)
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", id, err)
	}
	return p
}

// send mimics the write path: append to outbound, then submit
func send(t *testing.T, e *Engine, from *port.Port, pkt *packet.Packet) {
	t.Helper()
	from.Outbound().Enqueue(pkt)
	if err := e.Submit(from.Identity(), from.Outbound()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	log := testLogger(t)
	if _, err := New(config.RelayConfig{Workers: 0}, port.NewRegistry(), log); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("zero workers: got %v", err)
	}
	if _, err := New(config.DefaultRelayConfig(), nil, log); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("nil registry: got %v", err)
	}
}

func TestRelayDelivers(t *testing.T) {
	e, reg := newEngine(t, 2)
	sender := mustRegister(t, reg, 100)
	receiver := mustRegister(t, reg, 200)
	ev := notify.NewEvent()
	if err := receiver.SetNotification(ev); err != nil {
		t.Fatalf("SetNotification failed: %v", err)
	}

	send(t, e, sender, packet.New(100, 200, 1, true, []byte("AAAA")))
	flush(t, e)

	if !ev.IsSet() {
		t.Fatal("receiver notification not raised")
	}
	res := receiver.Inbound().TryDequeue(64)
	if res.Packet == nil {
		t.Fatalf("expected a packet, got %s", res.Outcome)
	}
	if res.Packet.Source != 100 || string(res.Packet.Payload()) != "AAAA" {
		t.Errorf("unexpected packet %s", res.Packet)
	}
	if ev.IsSet() {
		t.Error("notification still set after the queue emptied")
	}
	if !sender.Outbound().IsEmpty() {
		t.Error("outbound queue not consumed")
	}

	stats := e.Stats()
	if stats.Submitted != 1 || stats.Relayed != 1 || stats.Dropped != 0 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRelayDropsUnknownDestination(t *testing.T) {
	e, reg := newEngine(t, 1)
	sender := mustRegister(t, reg, 1)

	for i := 0; i < 5; i++ {
		send(t, e, sender, packet.New(1, 999, uint32(i), true, []byte("lost")))
	}
	flush(t, e)

	stats := e.Stats()
	if stats.Dropped != 5 || stats.Relayed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Pending != 0 {
		t.Errorf("pending = %d, want 0", stats.Pending)
	}
	if sender.Outbound().Len() != 0 || sender.Outbound().Bytes() != 0 {
		t.Error("dropped packets left residue in the outbound queue")
	}
}

func TestRelayPreservesPerSenderOrder(t *testing.T) {
	const senders = 8
	const perSender = 200

	e, reg := newEngine(t, 4)
	receiver := mustRegister(t, reg, 5000)

	ports := make([]*port.Port, senders)
	for i := range ports {
		ports[i] = mustRegister(t, reg, types.Identity(i+1))
	}

	var wg sync.WaitGroup
	for _, p := range ports {
		wg.Add(1)
		go func(p *port.Port) {
			defer wg.Done()
			for seq := 0; seq < perSender; seq++ {
				p.Outbound().Enqueue(packet.New(p.Identity(), 5000, uint32(seq), false, nil))
				if err := e.Submit(p.Identity(), p.Outbound()); err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	flush(t, e)

	next := make(map[types.Identity]uint32)
	count := 0
	for {
		pkt, ok := receiver.Inbound().Pop()
		if !ok {
			break
		}
		count++
		if pkt.Sequence != next[pkt.Source] {
			t.Fatalf("sender %s: got seq %d, want %d", pkt.Source, pkt.Sequence, next[pkt.Source])
		}
		next[pkt.Source]++
	}
	if count != senders*perSender {
		t.Errorf("received %d packets, want %d", count, senders*perSender)
	}
}

func TestRelayAfterSenderTeardown(t *testing.T) {
	e, reg := newEngine(t, 1)
	sender := mustRegister(t, reg, 1)
	receiver := mustRegister(t, reg, 2)

	sender.Outbound().Enqueue(packet.New(1, 2, 0, true, []byte("x")))
	reg.Teardown()
	if err := e.Submit(sender.Identity(), sender.Outbound()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	flush(t, e)

	if receiver.Inbound().Len() != 0 {
		t.Error("packet from a torn down sender was delivered")
	}
	if stats := e.Stats(); stats.Relayed != 0 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestCloseRelaysPendingTasks(t *testing.T) {
	reg := port.NewRegistry()
	e, err := New(config.RelayConfig{Workers: 2, ShutdownTimeout: 5 * time.Second}, reg, testLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sender := mustRegister(t, reg, 10)
	receiver := mustRegister(t, reg, 20)

	for i := 0; i < 100; i++ {
		sender.Outbound().Enqueue(packet.New(10, 20, uint32(i), false, []byte(fmt.Sprint(i))))
		if err := e.Submit(10, sender.Outbound()); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := receiver.Inbound().Len(); got != 100 {
		t.Errorf("receiver holds %d packets after Close, want 100", got)
	}
	if err := e.Submit(10, sender.Outbound()); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Submit after Close: got %v, want UNAVAILABLE", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestSubmitNilQueue(t *testing.T) {
	e, _ := newEngine(t, 1)
	if err := e.Submit(1, nil); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("got %v, want INVALID_ARGUMENT", err)
	}
}

func TestRelayMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	e, reg := newEngine(t, 2, WithMeter(provider.Meter("relay-test")))
	sender := mustRegister(t, reg, 1)
	mustRegister(t, reg, 2)

	send(t, e, sender, packet.New(1, 2, 0, true, []byte("hit")))
	send(t, e, sender, packet.New(1, 3, 1, true, []byte("miss")))
	flush(t, e)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if got := observability.CounterValue(rm, "pktrelay.relay.submitted"); got != 2 {
		t.Errorf("submitted = %d, want 2", got)
	}
	if got := observability.CounterValue(rm, "pktrelay.relay.delivered"); got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
	if got := observability.CounterValue(rm, "pktrelay.relay.dropped"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestWorkerForIsStable(t *testing.T) {
	e, _ := newEngine(t, 4)
	for id := types.Identity(0); id < 64; id++ {
		if e.workerFor(id) != e.workerFor(id) {
			t.Fatalf("identity %s mapped to different workers", id)
		}
	}
}
