package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
	beaconredis "github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/retry"
)

// countingBroadcaster fails the first failures calls, then succeeds.
type countingBroadcaster struct {
	failures int
	calls    int
	payloads [][]byte
}

func (b *countingBroadcaster) Broadcast(ctx context.Context, userID string, payload []byte) error {
	b.calls++
	if b.calls <= b.failures {
		return errors.New("transport unavailable")
	}
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *countingBroadcaster) IsConnected(connID string) bool { return true }

type throttleRecorder struct {
	users []string
}

func (r *throttleRecorder) NotifyThrottled(ctx context.Context, userID string, resetAt time.Time) {
	r.users = append(r.users, userID)
}

func setupTestGateway(t *testing.T, b Broadcaster, throttle ThrottleNotifier) (*Gateway, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := beaconredis.NewFromRedis(rdb, zap.NewNop())

	registry := beaconredis.NewConnectionRegistry(client, time.Hour, 1000, zap.NewNop())
	limiter := beaconredis.NewRateLimiter(client, zap.NewNop())
	limits := beaconredis.NewChannelRateLimit(limiter, nil, zap.NewNop())
	batcher := metrics.NewBatcher(nil, time.Minute, 1000, zap.NewNop())

	g := New(registry, limits, b, throttle, retry.DefaultStrategy(), batcher, zap.NewNop())
	g.sleep = func(time.Duration) {}

	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return g, mr, cleanup
}

func TestGateway_ConnectRequiresUser(t *testing.T) {
	g, _, cleanup := setupTestGateway(t, &countingBroadcaster{}, nil)
	defer cleanup()

	if err := g.HandleConnect(context.Background(), "", "conn-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestGateway_ConnectAndDisconnectTrackCount(t *testing.T) {
	g, _, cleanup := setupTestGateway(t, &countingBroadcaster{}, nil)
	defer cleanup()

	ctx := context.Background()
	if err := g.HandleConnect(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g.HandleConnect(ctx, "user-2", "conn-2"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := g.ActiveConnections(ctx); got != 2 {
		t.Errorf("expected 2 active connections, got %d", got)
	}

	if err := g.HandleDisconnect(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := g.ActiveConnections(ctx); got != 1 {
		t.Errorf("expected 1 active connection, got %d", got)
	}
}

func TestGateway_SendToUserDelivers(t *testing.T) {
	b := &countingBroadcaster{}
	g, _, cleanup := setupTestGateway(t, b, nil)
	defer cleanup()

	ctx := context.Background()
	if err := g.HandleConnect(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	g.SendToUser(ctx, "user-1", []byte(`{"title":"hi"}`))

	if len(b.payloads) != 1 {
		t.Fatalf("expected 1 delivered payload, got %d", len(b.payloads))
	}
}

func TestGateway_NoConnectionsSkipsBroadcast(t *testing.T) {
	b := &countingBroadcaster{}
	g, _, cleanup := setupTestGateway(t, b, nil)
	defer cleanup()

	g.SendToUser(context.Background(), "user-nobody", []byte("x"))

	if b.calls != 0 {
		t.Errorf("offline user must not trigger a broadcast, got %d calls", b.calls)
	}
}

func TestGateway_BroadcastRetriesThenSucceeds(t *testing.T) {
	b := &countingBroadcaster{failures: 2}
	g, _, cleanup := setupTestGateway(t, b, nil)
	defer cleanup()

	ctx := context.Background()
	if err := g.HandleConnect(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	g.SendToUser(ctx, "user-1", []byte("payload"))

	if b.calls != 3 {
		t.Errorf("expected 3 broadcast attempts, got %d", b.calls)
	}
	if len(b.payloads) != 1 {
		t.Errorf("expected the payload delivered on the final attempt, got %d", len(b.payloads))
	}
}

func TestGateway_BroadcastGivesUpAfterMaxAttempts(t *testing.T) {
	b := &countingBroadcaster{failures: 100}
	g, _, cleanup := setupTestGateway(t, b, nil)
	defer cleanup()

	ctx := context.Background()
	if err := g.HandleConnect(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	g.SendToUser(ctx, "user-1", []byte("payload"))

	max := retry.DefaultStrategy().ForChannel(db.ChannelInApp).MaxAttempts
	if b.calls != max {
		t.Errorf("expected %d attempts, got %d", max, b.calls)
	}
}

func TestGateway_PerUserThrottle(t *testing.T) {
	b := &countingBroadcaster{}
	throttle := &throttleRecorder{}
	g, _, cleanup := setupTestGateway(t, b, throttle)
	defer cleanup()

	g.limits.SetPolicy(db.ChannelInApp, beaconredis.ChannelPolicy{
		Limit: 1000, Window: time.Minute,
		PerUserLimit: 2, PerUserWindow: time.Minute,
	})

	ctx := context.Background()
	if err := g.HandleConnect(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 5; i++ {
		g.SendToUser(ctx, "user-1", []byte(fmt.Sprintf("msg-%d", i)))
	}

	if len(b.payloads) != 2 {
		t.Errorf("expected 2 delivered before the throttle, got %d", len(b.payloads))
	}
	if len(throttle.users) != 3 {
		t.Errorf("expected 3 throttle notices, got %d", len(throttle.users))
	}
}

func TestHub_SubscribeAndBroadcast(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	ch := h.Subscribe("user-1", "conn-1")

	if err := h.Broadcast(context.Background(), "user-1", []byte("hello")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-ch:
		if string(got) != "hello" {
			t.Errorf("unexpected payload %q", got)
		}
	default:
		t.Fatal("expected a payload on the subscriber channel")
	}
}

func TestHub_BroadcastWithoutSubscribersFails(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	if err := h.Broadcast(context.Background(), "user-1", []byte("x")); err == nil {
		t.Fatal("expected error for user with no subscribers")
	}
}

func TestHub_FanOutReachesEverySubscriber(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	ch1 := h.Subscribe("user-1", "conn-1")
	ch2 := h.Subscribe("user-1", "conn-2")

	if err := h.Broadcast(context.Background(), "user-1", []byte("x")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(ch1) != 1 || len(ch2) != 1 {
		t.Errorf("expected fan-out to both subscribers, got %d and %d", len(ch1), len(ch2))
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1, zap.NewNop())
	ch := h.Subscribe("user-1", "conn-1")

	ctx := context.Background()
	if err := h.Broadcast(ctx, "user-1", []byte("first")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	// The buffer is full; this must not block and must not error.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Broadcast(ctx, "user-1", []byte("second"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber buffer")
	}

	if got := <-ch; string(got) != "first" {
		t.Errorf("expected the first payload retained, got %q", got)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	ch := h.Subscribe("user-1", "conn-1")

	if !h.IsConnected("conn-1") {
		t.Fatal("expected conn-1 connected")
	}
	h.Unsubscribe("conn-1")
	if h.IsConnected("conn-1") {
		t.Fatal("expected conn-1 disconnected")
	}

	if _, open := <-ch; open {
		t.Error("expected subscriber channel closed")
	}

	if err := h.Broadcast(context.Background(), "user-1", []byte("x")); err == nil {
		t.Error("last unsubscribe should empty the group")
	}
}

func TestHub_UnsubscribeUnknownConnIsNoop(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	h.Unsubscribe("conn-missing")
}
