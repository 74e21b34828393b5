package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkers_RunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	var ws Workers
	ws.Start(ctx, Worker{
		Name:     "count",
		Interval: 5 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	ws.Wait()

	if runs.Load() < 3 {
		t.Fatalf("worker ran %d times, want >= 3", runs.Load())
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("worker kept running after cancel")
	}
}

func TestWorkers_DisabledInterval(t *testing.T) {
	var ws Workers
	called := false
	ws.Start(context.Background(), Worker{Name: "off", Run: func(context.Context) { called = true }})
	ws.Wait()
	if called {
		t.Error("worker with zero interval ran")
	}
}
