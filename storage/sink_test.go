package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
	"github.com/canvault/canvault/lib/clock"
)

func TestDurableSinkBatchThreshold(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	sink := NewDurableSink(DurableSinkConfig{
		Store:     store,
		BatchSize: 4,
		Clock:     fakeClock,
		Logger:    testLogger(t),
	})

	for seq := uint64(1); seq <= 3; seq++ {
		if err := sink.Accept(ctx, captureFrame("can0", seq, fakeClock.Now())); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	count, err := store.FrameCount(ctx)
	if err != nil {
		t.Fatalf("FrameCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("committed %d frames before the batch filled", count)
	}
	if sink.PendingCount() != 3 {
		t.Errorf("PendingCount = %d, want 3", sink.PendingCount())
	}

	// The fourth frame fills the batch and commits it.
	if err := sink.Accept(ctx, captureFrame("can0", 4, fakeClock.Now())); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	count, err = store.FrameCount(ctx)
	if err != nil {
		t.Fatalf("FrameCount: %v", err)
	}
	if count != 4 {
		t.Errorf("FrameCount = %d, want 4", count)
	}
	if sink.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after commit, want 0", sink.PendingCount())
	}
}

func TestDurableSinkTimedFlush(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := NewDurableSink(DurableSinkConfig{
		Store:         store,
		BatchSize:     1000,
		FlushInterval: time.Second,
		Clock:         fakeClock,
		Logger:        testLogger(t),
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- sink.Run(ctx)
	}()
	fakeClock.WaitForTimers(1)

	if err := sink.Accept(ctx, captureFrame("can0", 1, fakeClock.Now())); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	fakeClock.Advance(time.Second)
	deadline := time.After(5 * time.Second)
	for sink.PendingCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed flush never committed the frame")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	count, err := store.FrameCount(ctx)
	if err != nil {
		t.Fatalf("FrameCount: %v", err)
	}
	if count != 1 {
		t.Errorf("FrameCount = %d, want 1", count)
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestDurableSinkFinalFlushOnShutdown(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sink := NewDurableSink(DurableSinkConfig{
		Store:     store,
		BatchSize: 1000,
		Clock:     fakeClock,
		Logger:    testLogger(t),
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- sink.Run(ctx)
	}()
	fakeClock.WaitForTimers(1)

	for seq := uint64(1); seq <= 5; seq++ {
		if err := sink.Accept(ctx, captureFrame("can0", seq, fakeClock.Now())); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run = %v", err)
	}

	count, err := store.FrameCount(context.Background())
	if err != nil {
		t.Fatalf("FrameCount: %v", err)
	}
	if count != 5 {
		t.Errorf("FrameCount = %d after shutdown, want 5", count)
	}
}

func TestDurableSinkDegradedKeepsPending(t *testing.T) {
	fakeClock := clock.Fake(storeTestEpoch)
	store, err := OpenStore(StoreConfig{
		Path:   t.TempDir() + "/capture_test.db",
		Clock:  fakeClock,
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	sink := NewDurableSink(DurableSinkConfig{
		Store:     store,
		BatchSize: 1,
		Clock:     fakeClock,
		Logger:    testLogger(t),
	})

	// A closed pool makes every write fail without corrupting
	// anything; the sink must hold the batch and report degraded.
	store.Close()

	err = sink.Accept(context.Background(), captureFrame("can0", 1, fakeClock.Now()))
	var sinkErr *dispatch.SinkError
	if !errors.As(err, &sinkErr) {
		t.Fatalf("Accept = %v, want *dispatch.SinkError", err)
	}
	if sinkErr.Kind != dispatch.SinkDegraded {
		t.Errorf("Kind = %v, want degraded", sinkErr.Kind)
	}
	if sink.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 (batch retained)", sink.PendingCount())
	}
}

func TestDurableSinkTagsFramesWithSession(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	sink := NewDurableSink(DurableSinkConfig{
		Store:     store,
		BatchSize: 1,
		Clock:     fakeClock,
		Logger:    testLogger(t),
	})

	session := canlink.NewSession("can0", 500000, fakeClock.Now(), 0)
	if err := sink.SetSession(ctx, session); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if err := sink.Accept(ctx, captureFrame("can0", 1, fakeClock.Now())); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	stored, err := store.RecentFrames(ctx, FrameFilter{})
	if err != nil {
		t.Fatalf("RecentFrames: %v", err)
	}
	if len(stored) != 1 || stored[0].SessionID != session.ID {
		t.Errorf("stored = %+v, want session %s", stored, session.ID)
	}

	records, err := store.Sessions(ctx, 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(records) != 1 || records[0].ID != session.ID {
		t.Errorf("sessions = %+v", records)
	}
}
