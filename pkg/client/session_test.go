package client

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/types"
)

func newBroker(t *testing.T) *ipc.Broker {
	t.Helper()
	logCfg := config.DefaultLoggingConfig()
	logCfg.Level = "error"
	log, err := logger.New(logCfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	b, err := ipc.New(config.DefaultRelayConfig(), log)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func openSession(t *testing.T, tr Transport, identity types.Identity, opts Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), tr, identity, opts)
	if err != nil {
		t.Fatalf("Open(%d) failed: %v", identity, err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSendRecv(t *testing.T) {
	tr := NewLocal(newBroker(t))
	a := openSession(t, tr, 100, Options{})
	b := openSession(t, tr, 200, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Send(ctx, 200, 7, true, []byte("AAAA")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	pkt, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if pkt.Source != 100 || pkt.Dest != 200 || pkt.Sequence != 7 || !pkt.EndOfMessage {
		t.Errorf("Unexpected header: %s", pkt)
	}
	if string(pkt.Payload()) != "AAAA" {
		t.Errorf("Expected payload AAAA, got %q", pkt.Payload())
	}
}

func TestRecvGrowsBuffer(t *testing.T) {
	tr := NewLocal(newBroker(t))
	a := openSession(t, tr, 1, Options{})
	b := openSession(t, tr, 2, Options{InitialRecvPayload: 8})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	big := bytes.Repeat([]byte("x"), 4096)
	if _, err := a.SendMessage(ctx, 2, big); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if _, err := a.SendMessage(ctx, 2, []byte("small")); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	pkt, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(pkt.Payload(), big) {
		t.Fatalf("Expected %d byte payload, got %d", len(big), len(pkt.Payload()))
	}
	if len(b.buf) != packet.HeaderSize+len(big) {
		t.Errorf("Expected buffer to grow to %d, got %d", packet.HeaderSize+len(big), len(b.buf))
	}

	pkt, err = b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if string(pkt.Payload()) != "small" || pkt.Sequence != 2 {
		t.Errorf("Expected second message with seq 2, got %s", pkt)
	}
}

func TestSendMessageNumbersFromOne(t *testing.T) {
	tr := NewLocal(newBroker(t))
	a := openSession(t, tr, 1, Options{})
	openSession(t, tr, 2, Options{})

	for want := uint32(1); want <= 3; want++ {
		got, err := a.SendMessage(context.Background(), 2, []byte("m"))
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected seq %d, got %d", want, got)
		}
	}
}

func TestRecvHonoursContext(t *testing.T) {
	tr := NewLocal(newBroker(t))
	s := openSession(t, tr, 1, Options{WaitTimeout: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Recv(ctx)
	if err == nil {
		t.Fatal("Expected Recv to fail when the context ends")
	}
	if !types.IsErrCode(err, types.ErrCodeCanceled) && !types.IsErrCode(err, types.ErrCodeTimeout) {
		t.Errorf("Expected CANCELED or TIMEOUT, got %v", err)
	}
}

func TestOpenDuplicateIdentity(t *testing.T) {
	tr := NewLocal(newBroker(t))
	openSession(t, tr, 5, Options{})

	_, err := Open(context.Background(), tr, 5, Options{})
	if !types.IsErrCode(err, types.ErrCodeAlreadyExists) {
		t.Fatalf("Expected ALREADY_EXISTS, got %v", err)
	}
}

func TestCloseReleasesIdentity(t *testing.T) {
	tr := NewLocal(newBroker(t))
	s, err := Open(context.Background(), tr, 9, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if err := s.Send(context.Background(), 1, 1, true, nil); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE after Close, got %v", err)
	}

	openSession(t, tr, 9, Options{})
}

func TestConcurrentSendersKeepOrder(t *testing.T) {
	tr := NewLocal(newBroker(t))
	recv := openSession(t, tr, 1000, Options{})

	const senders = 4
	const perSender = 50

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := make([]*Session, senders)
	for i := range sessions {
		sessions[i] = openSession(t, tr, types.Identity(i+1), Options{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			for i := 0; i < perSender; i++ {
				if _, err := s.SendMessage(gctx, 1000, []byte(fmt.Sprintf("%d", i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	next := make(map[types.Identity]uint32)
	for i := 0; i < senders*perSender; i++ {
		pkt, err := recv.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		want := next[pkt.Source] + 1
		if pkt.Sequence != want {
			t.Fatalf("Sender %s: got seq %d, want %d", pkt.Source, pkt.Sequence, want)
		}
		next[pkt.Source] = want
	}
}

func TestLocalUnknownSession(t *testing.T) {
	tr := NewLocal(newBroker(t))
	ctx := context.Background()
	id := types.NewID("missing")

	if err := tr.Write(ctx, id, nil); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Write: expected NOT_FOUND, got %v", err)
	}
	if _, err := tr.Read(ctx, id, nil); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Read: expected NOT_FOUND, got %v", err)
	}
	if _, err := tr.Wait(ctx, id, time.Millisecond); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Wait: expected NOT_FOUND, got %v", err)
	}
	if err := tr.Detach(ctx, id); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Detach: expected NOT_FOUND, got %v", err)
	}
}

// cappedTransport never hands more than limit bytes to the broker, like a
// daemon whose responses are bounded by its message size.
type cappedTransport struct {
	*Local
	limit int
}

func (c cappedTransport) Read(ctx context.Context, id types.ID, buf []byte) (ipc.ReadResult, error) {
	if len(buf) > c.limit {
		buf = buf[:c.limit]
	}
	return c.Local.Read(ctx, id, buf)
}

func TestRecvFailsWhenTransportCannotFitPacket(t *testing.T) {
	local := NewLocal(newBroker(t))
	tr := cappedTransport{Local: local, limit: 64}
	a := openSession(t, local, 1, Options{})
	b := openSession(t, tr, 2, Options{WaitTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := a.SendMessage(ctx, 2, bytes.Repeat([]byte("x"), 100)); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	_, err := b.Recv(ctx)
	if !types.IsErrCode(err, types.ErrCodeResourceExhausted) {
		t.Fatalf("Expected RESOURCE_EXHAUSTED, got %v", err)
	}
}
