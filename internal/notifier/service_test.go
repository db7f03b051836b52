package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cronbot/internal/eventbus"
	"cronbot/internal/transport"
	"cronbot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []string
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return errors.New("transport down")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestSendDeliversWithPriorityPrefix(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, transport.ChatTarget{ChatID: 1}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Send(context.Background(), "job report failed"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitEvent(t, events, eventbus.TypeNotifySent)

	_, sent := snd.snapshot()
	if len(sent) != 1 || !strings.HasSuffix(sent[0], "job report failed") || !strings.HasPrefix(sent[0], "⚠️") {
		t.Fatalf("sent = %q", sent)
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history = %d", len(h))
	}
}

func TestDuplicateMessagesAreSuppressed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, transport.ChatTarget{ChatID: 1}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for range 3 {
		if err := s.Send(context.Background(), "same text"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	waitEvent(t, events, eventbus.TypeNotifyDeduped)
	waitSent(t, snd, 1)

	if err := s.Send(context.Background(), "other text"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitSent(t, snd, 2)

	if calls, sent := snd.snapshot(); calls != 2 {
		t.Fatalf("sent = %q", sent)
	}
}

func waitSent(t *testing.T, snd *fakeSender, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, sent := snd.snapshot(); len(sent) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fewer than %d messages delivered", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	snd := &fakeSender{failures: 2}
	s := New(fastConfig(), snd, transport.ChatTarget{ChatID: 1}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Send(context.Background(), "flaky"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitEvent(t, events, eventbus.TypeNotifySent)
	if calls, _ := snd.snapshot(); calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRetryExhaustedPublishesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	snd := &fakeSender{failures: -1}
	s := New(fastConfig(), snd, transport.ChatTarget{ChatID: 1}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Send(context.Background(), "doomed"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev := waitEvent(t, events, eventbus.TypeNotifyFailed)
	if data, _ := ev.Data.(NotificationEvent); data.Error != "transport down" {
		t.Fatalf("event = %#v", ev.Data)
	}
	if calls, _ := snd.snapshot(); calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestSendRefusedWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeSender{}, transport.ChatTarget{}, logx.Nop(), nil, nil)
	if err := off.Send(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s := New(fastConfig(), &fakeSender{}, transport.ChatTarget{}, logx.Nop(), nil, nil)
	if err := s.Send(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Send(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{}}
	cfg := fastConfig()
	cfg.PersistDedup = true
	target := transport.ChatTarget{ChatID: 9}

	first := New(cfg, &fakeSender{}, target, logx.Nop(), nil, store)
	first.Start(context.Background())
	if err := first.Send(context.Background(), "disk almost full"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Stop closes the persist channel after draining it.
	first.Stop(context.Background())

	store.mu.Lock()
	n := len(store.m)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("persisted keys = %d", n)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	snd := &fakeSender{}
	second := New(cfg, snd, target, logx.Nop(), bus, store)
	second.Start(context.Background())
	defer second.Stop(context.Background())
	if err := second.Send(context.Background(), "disk almost full"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitEvent(t, events, eventbus.TypeNotifyDeduped)
	if calls, _ := snd.snapshot(); calls != 0 {
		t.Fatalf("duplicate delivered after restart")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of range", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter band", d)
	}
}
