package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

type fakeLastSent struct {
	last   map[string]time.Time
	getErr error
	putErr error
	puts   int
}

func newFakeLastSent() *fakeLastSent {
	return &fakeLastSent{last: map[string]time.Time{}}
}

func (f *fakeLastSent) GetLastSent(_ context.Context, target string) (time.Time, bool, error) {
	if f.getErr != nil {
		return time.Time{}, false, f.getErr
	}
	at, ok := f.last[target]
	return at, ok, nil
}

func (f *fakeLastSent) PutLastSent(_ context.Context, target string, at time.Time) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	f.last[target] = at
	return nil
}

func TestDeduperSuppressesWithinInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeLastSent()
	d := &deduper{store: store, log: logx.Nop()}
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	interval := time.Minute

	if !d.shouldSend(ctx, "chat1", now, interval) {
		t.Fatal("first send must be allowed")
	}
	d.markAttempted(ctx, "chat1", now)

	if d.shouldSend(ctx, "chat1", now.Add(30*time.Second), interval) {
		t.Fatal("send within interval must be suppressed")
	}
	if !d.shouldSend(ctx, "chat1", now.Add(interval), interval) {
		t.Fatal("send at interval boundary must be allowed")
	}
	if !d.shouldSend(ctx, "chat2", now.Add(time.Second), interval) {
		t.Fatal("other targets are independent")
	}
}

func TestDeduperFailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeLastSent()
	store.getErr = errors.New("disk gone")
	d := &deduper{store: store, log: logx.Nop()}

	if !d.shouldSend(ctx, "chat1", time.Now(), time.Minute) {
		t.Fatal("lookup error must not suppress the send")
	}
}

func TestDeduperDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := &deduper{log: logx.Nop()}
	if !d.shouldSend(ctx, "chat1", time.Now(), time.Minute) {
		t.Fatal("nil store must allow sends")
	}
	d.markAttempted(ctx, "chat1", time.Now())

	store := newFakeLastSent()
	store.last["chat1"] = time.Now()
	d = &deduper{store: store, log: logx.Nop()}
	if !d.shouldSend(ctx, "chat1", time.Now(), 0) {
		t.Fatal("zero interval must allow sends")
	}
}
