package lockreg

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGuard_WithMutatesValue(t *testing.T) {
	g := New("counter", 0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.With(func(v *int) { *v++ })
		}()
	}
	wg.Wait()
	var got int
	g.With(func(v *int) { got = *v })
	if got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
}

func TestGuard_TryWithSkipsWhenHeld(t *testing.T) {
	g := New("gateway", "handle", nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	go g.With(func(*string) {
		close(entered)
		<-release
	})
	<-entered

	ran := g.TryWith(func(*string) { t.Fatalf("TryWith ran while guard was held") })
	if ran {
		t.Fatalf("expected TryWith to report busy")
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for !g.TryWith(func(*string) {}) {
		if time.Now().After(deadline) {
			t.Fatalf("guard never became free")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGuard_RecoversAfterPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := New("agent", 1, logger)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		g.With(func(v *int) {
			*v = 2
			panic("boom")
		})
	}()

	if !g.Poisoned() {
		t.Fatalf("expected guard to be poisoned")
	}

	var got int
	g.With(func(v *int) { got = *v })
	if got != 2 {
		t.Fatalf("expected state left by panicking holder, got %d", got)
	}
	if g.Poisoned() {
		t.Fatalf("expected poison cleared after recovery")
	}
	if !strings.Contains(buf.String(), "recovered poisoned lock") || !strings.Contains(buf.String(), "lock=agent") {
		t.Fatalf("expected recovery log, got %q", buf.String())
	}
}
