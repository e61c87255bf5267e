package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-tracking/internal/config"
	"github.com/example/trip-tracking/internal/geo"
	"github.com/example/trip-tracking/internal/ingest"
	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
)

// flakyStore fails the first n upserts before delegating to an Index.
type flakyStore struct {
	fail  int
	calls int
	index *geo.Index
}

func (f *flakyStore) Upsert(ctx context.Context, id string, loc models.LiveLocation) (bool, error) {
	f.calls++
	if f.calls <= f.fail {
		return false, errors.New("redis down")
	}
	return f.index.Upsert(ctx, id, loc)
}

func (f *flakyStore) Get(ctx context.Context, id string) (models.LiveLocation, bool, error) {
	return f.index.Get(ctx, id)
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyStore{fail: 2, index: geo.NewIndex()}
	start := time.Now()
	applied, err := upsertWithRetry(context.Background(), f, "r-1", models.LiveLocation{Latitude: 1, CapturedAt: time.Now()}, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if !applied {
		t.Fatalf("expected position to be applied")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyStore{fail: 5, index: geo.NewIndex()}
	if _, err := upsertWithRetry(context.Background(), f, "r-1", models.LiveLocation{}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

type sliceReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeProjectsLatestPosition(t *testing.T) {
	t0 := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	msg := func(lat float64, at time.Time) kafka.Message {
		b, _ := json.Marshal(ingest.PositionEvent{TripID: "r-1", Kind: models.KindRide, LiveLocation: models.LiveLocation{Latitude: lat, CapturedAt: at}})
		return kafka.Message{Key: []byte("r-1"), Value: b}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		msg(2, t0.Add(time.Second)),
		{Value: []byte("not json")},
		msg(1, t0),
	}}
	index := geo.NewIndex()
	invalidBefore := testutil.ToFloat64(msgsInvalid)
	staleBefore := testutil.ToFloat64(redisStale)

	consume(ctx, r, index, config.ConsumerConfig{RetryAttempts: 1, RetryDelay: time.Millisecond}, logging.Nop())

	loc, ok, _ := index.Get(context.Background(), "r-1")
	if !ok || loc.Latitude != 2 {
		t.Fatalf("expected newest position to win, got %+v ok=%v", loc, ok)
	}
	if got := testutil.ToFloat64(msgsInvalid) - invalidBefore; got != 1 {
		t.Fatalf("expected 1 invalid message, got %v", got)
	}
	if got := testutil.ToFloat64(redisStale) - staleBefore; got != 1 {
		t.Fatalf("expected 1 stale message, got %v", got)
	}
}
