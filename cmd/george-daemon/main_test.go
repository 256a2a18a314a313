package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeScorer struct {
	score float64
}

func (f *fakeScorer) Score(_ context.Context, _ []int16) (float64, error) { return f.score, nil }
func (f *fakeScorer) Close() error                                        { return nil }

type captureCall struct {
	openEnded bool
}

func testDaemon(score float64) (*daemon, *[]captureCall) {
	calls := &[]captureCall{}
	d := &daemon{
		scorer:   &fakeScorer{score: score},
		manual:   make(chan struct{}, 1),
		cooldown: 0,
	}
	d.captureFn = func(_ context.Context, openEnded bool) {
		*calls = append(*calls, captureCall{openEnded: openEnded})
	}
	return d, calls
}

func TestLoopReturnsFrameStreamError(t *testing.T) {
	d, _ := testDaemon(0)

	// The producer sends its failure and then closes the frame channel;
	// both select cases are ready and the error must win either way.
	frames := make(chan []int16)
	errc := make(chan error, 1)
	errc <- errors.New("input overflowed")
	close(frames)

	err := d.loop(context.Background(), frames, errc)
	if err == nil {
		t.Fatal("loop returned nil after a stream failure")
	}
	if !strings.Contains(err.Error(), "input overflowed") {
		t.Errorf("err = %v, want the stream error", err)
	}
}

func TestLoopClosedStreamWithoutErrorIsStillAnError(t *testing.T) {
	d, _ := testDaemon(0)

	frames := make(chan []int16)
	errc := make(chan error, 1)
	close(frames)

	err := d.loop(context.Background(), frames, errc)
	if err == nil {
		t.Fatal("loop returned nil for a dead frame stream")
	}
}

func TestLoopWakewordFiresFixedWindowCapture(t *testing.T) {
	d, calls := testDaemon(0.9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.captureFn = func(_ context.Context, openEnded bool) {
		*calls = append(*calls, captureCall{openEnded: openEnded})
		cancel()
	}

	frames := make(chan []int16, 1)
	frames <- make([]int16, 4)
	errc := make(chan error, 1)

	err := d.loop(ctx, frames, errc)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("captures = %d, want 1", len(*calls))
	}
	if (*calls)[0].openEnded {
		t.Error("wakeword capture should use the fixed window")
	}
}

func TestLoopManualTriggerUsesOpenEndedCapture(t *testing.T) {
	d, calls := testDaemon(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.captureFn = func(_ context.Context, openEnded bool) {
		*calls = append(*calls, captureCall{openEnded: openEnded})
		cancel()
	}

	d.manual <- struct{}{}

	frames := make(chan []int16)
	errc := make(chan error, 1)

	err := d.loop(ctx, frames, errc)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("captures = %d, want 1", len(*calls))
	}
	if !(*calls)[0].openEnded {
		t.Error("manual capture should record until silence")
	}
}

func TestLoopSubThresholdScoreDoesNotCapture(t *testing.T) {
	d, calls := testDaemon(0.2)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	frames := make(chan []int16, 2)
	frames <- make([]int16, 4)
	frames <- make([]int16, 4)
	errc := make(chan error, 1)

	err := d.loop(ctx, frames, errc)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(*calls) != 0 {
		t.Errorf("captures = %d, want 0", len(*calls))
	}
}
