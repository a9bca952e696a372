package observability

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
)

func TestIncSyncMirrorsToSharedHash(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	keys := coordination.NewKeys("test", "acme")
	m := NewMetrics(coordination.NewRedisStore(client), keys.Metrics(), nil)
	ctx := context.Background()

	before := testutil.ToFloat64(SyncOutcomesTotal.WithLabelValues(OutcomeFallbackCreated))
	m.IncSync(ctx, OutcomeFallbackCreated)
	m.IncSync(ctx, OutcomeFallbackCreated)
	m.IncSync(ctx, OutcomeChannelFailure)

	if got := testutil.ToFloat64(SyncOutcomesTotal.WithLabelValues(OutcomeFallbackCreated)) - before; got != 2 {
		t.Fatalf("expected prometheus delta 2, got %v", got)
	}
	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap[OutcomeFallbackCreated] != 2 || snap[OutcomeChannelFailure] != 1 {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestIncSyncSurvivesStoreOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	m := NewMetrics(coordination.NewRedisStore(client), "k", nil)
	mr.Close()
	m.IncSync(context.Background(), OutcomeChannelSuccess)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncSync(context.Background(), OutcomeChannelSuccess)
	m.RecordRequest("/", "GET", 200, 0)
	m.RecordError("/", "GET", "X")
	m.RecordEvent("MESSAGE_INBOUND", "handled")
	snap, err := m.Snapshot(context.Background())
	if err != nil || len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %v %v", snap, err)
	}
}
