package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/gil9red/currency-rates-telegram-bot/internal/gateway"
	"github.com/gil9red/currency-rates-telegram-bot/internal/metrics"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

type digestComposer struct{}

func (digestComposer) Digest(_ context.Context, userID int64) (string, error) {
	return fmt.Sprintf("digest for %d", userID), nil
}

type fakeGateway struct {
	sent     map[int64][]string
	errs     map[int64]error
	failures map[int64]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sent:     make(map[int64][]string),
		errs:     make(map[int64]error),
		failures: make(map[int64]int),
	}
}

func (g *fakeGateway) SendMessage(_ context.Context, recipientID int64, text string) error {
	if err, ok := g.errs[recipientID]; ok {
		return err
	}
	if g.failures[recipientID] > 0 {
		g.failures[recipientID]--
		return errors.New("telegram send: timeout")
	}
	g.sent[recipientID] = append(g.sent[recipientID], text)
	return nil
}

func (g *fakeGateway) total() int {
	n := 0
	for _, msgs := range g.sent {
		n += len(msgs)
	}
	return n
}

type sleepRecorder struct {
	delays []time.Duration
	cancel context.CancelFunc
	limit  int
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	if r.cancel != nil && len(r.delays) >= r.limit {
		r.cancel()
		return ctx.Err()
	}
	return nil
}

func pendingStore(t *testing.T, users ...int64) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, id := range users {
		if _, err := store.Subscribe(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.MarkAllPendingNotification(ctx); err != nil {
		t.Fatal(err)
	}
	return store
}

func newNotifier(store Store, gw gateway.Gateway, options ...Option) *Notifier {
	return New(store, digestComposer{}, gw, Options{
		PollInterval: 2 * time.Second,
		ErrorBackoff: time.Minute,
	}, zerolog.Nop(), options...)
}

func TestPassDeliversAtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := pendingStore(t, 1, 2)
	gw := newFakeGateway()
	n := newNotifier(store, gw)

	res, err := n.Pass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pending != 2 || res.Sent != 2 {
		t.Fatalf("unexpected pass result %+v", res)
	}
	if gw.sent[1][0] != "digest for 1" {
		t.Fatalf("unexpected message %q", gw.sent[1][0])
	}

	res, err = n.Pass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pending != 0 || gw.total() != 2 {
		t.Fatalf("第二轮不应重复发送: %+v, total %d", res, gw.total())
	}
}

func TestPassClearsDeadRecipient(t *testing.T) {
	ctx := context.Background()
	store := pendingStore(t, 1, 2, 3)
	gw := newFakeGateway()
	gw.errs[2] = fmt.Errorf("%w: chat not found", gateway.ErrRecipientNotFound)

	m := metrics.New()
	n := newNotifier(store, gw, WithMetrics(m))

	res, err := n.Pass(ctx)
	if err != nil {
		t.Fatalf("dead recipient must not fail the pass: %v", err)
	}
	if res.Sent != 2 || res.Gone != 1 {
		t.Fatalf("unexpected pass result %+v", res)
	}

	sub, _ := store.GetSubscription(ctx, 2)
	if sub.PendingNotification {
		t.Fatal("dead recipient flag should be cleared")
	}
	if len(gw.sent[1]) != 1 || len(gw.sent[3]) != 1 {
		t.Fatal("other subscribers must still be served")
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("recipient_gone")); got != 1 {
		t.Fatalf("recipient_gone counter = %v", got)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("sent")); got != 2 {
		t.Fatalf("sent counter = %v", got)
	}
}

func TestPassAbortsOnTransientError(t *testing.T) {
	ctx := context.Background()
	store := pendingStore(t, 1, 2, 3)
	gw := newFakeGateway()
	gw.failures[2] = 1
	n := newNotifier(store, gw)

	res, err := n.Pass(ctx)
	if err == nil {
		t.Fatal("transient failure should abort the pass")
	}
	if res.Sent != 1 {
		t.Fatalf("only the first subscriber should be served, got %+v", res)
	}
	if len(gw.sent[3]) != 0 {
		t.Fatal("subscribers after the failure should wait for the next pass")
	}

	for id, want := range map[int64]bool{1: false, 2: true, 3: true} {
		sub, _ := store.GetSubscription(ctx, id)
		if sub.PendingNotification != want {
			t.Fatalf("user %d pending = %v, want %v", id, sub.PendingNotification, want)
		}
	}

	res, err = n.Pass(ctx)
	if err != nil || res.Sent != 2 {
		t.Fatalf("retry pass should serve the rest: %+v (%v)", res, err)
	}
	if len(gw.sent[1]) != 1 {
		t.Fatal("user 1 must not be notified twice")
	}
}

type duplicateStore struct {
	cleared []int64
}

func (d *duplicateStore) ListPendingNotifications(context.Context) ([]storage.Subscription, error) {
	return []storage.Subscription{
		{UserID: 7, IsActive: true, PendingNotification: true},
		{UserID: 7, IsActive: true, PendingNotification: true},
	}, nil
}

func (d *duplicateStore) ClearPendingNotification(_ context.Context, userID int64) error {
	d.cleared = append(d.cleared, userID)
	return nil
}

func TestPassDeduplicatesSubscribers(t *testing.T) {
	store := &duplicateStore{}
	gw := newFakeGateway()
	n := newNotifier(store, gw)

	res, err := n.Pass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 || len(gw.sent[7]) != 1 || len(store.cleared) != 1 {
		t.Fatalf("each subscriber at most once per pass: %+v, sent %d", res, len(gw.sent[7]))
	}
}

func TestRunBacksOffAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := pendingStore(t, 1)
	gw := newFakeGateway()
	gw.failures[1] = 1
	rec := &sleepRecorder{cancel: cancel, limit: 2}
	n := newNotifier(store, gw, WithSleep(rec.sleep))

	if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Minute || rec.delays[1] != 2*time.Second {
		t.Fatalf("expected error backoff then poll interval, got %v", rec.delays)
	}
	if len(gw.sent[1]) != 1 {
		t.Fatal("notification should be delivered on the retry")
	}
}
