package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
)

func enqueueN(t *testing.T, repo *memory.Store, o *Outbox, n int) {
	t.Helper()
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			if _, err := o.Enqueue(context.Background(), tx, "t1", Event{
				Type: EventSaleCompleted, EntityType: "receipt", EntityID: fmt.Sprintf("r%d", i),
				Payload: map[string]int{"n": i},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func statusCounts(repo *memory.Store) map[string]int {
	out := map[string]int{}
	for _, e := range repo.Events() {
		out[e.Status]++
	}
	return out
}

func TestEnqueueIsDiscardedWithItsTransaction(t *testing.T) {
	repo := memory.New()
	o := New(repo)

	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := o.Enqueue(context.Background(), tx, "t1", Event{Type: EventSaleCompleted, EntityType: "receipt", EntityID: "r1"})
		require.NoError(t, err)
		return errors.New("sale failed")
	})
	require.Error(t, err)
	assert.Empty(t, repo.Events())
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	repo := memory.New()
	o := New(repo)
	enqueueN(t, repo, o, 200)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				events, err := o.ClaimPending(context.Background(), 7)
				if err != nil || len(events) == 0 {
					return
				}
				mu.Lock()
				for _, e := range events {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s claimed %d times", id, n)
	}
	assert.Equal(t, 200, statusCounts(repo)[domain.EventStatusProcessing])
}

func TestAckFailRequeueAndPurge(t *testing.T) {
	repo := memory.New()
	o := New(repo)
	enqueueN(t, repo, o, 3)
	ctx := context.Background()

	events, err := o.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.NoError(t, o.Ack(ctx, []string{events[0].ID}))
	require.NoError(t, o.Fail(ctx, []string{events[1].ID, events[2].ID}, "sink down"))

	counts := statusCounts(repo)
	assert.Equal(t, 1, counts[domain.EventStatusCompleted])
	assert.Equal(t, 2, counts[domain.EventStatusFailed])
	for _, e := range repo.Events() {
		if e.Status == domain.EventStatusFailed {
			assert.Equal(t, 1, e.RetryCount)
			assert.Equal(t, "sink down", e.LastError)
		}
		if e.Status == domain.EventStatusCompleted {
			assert.NotNil(t, e.ProcessedAt)
		}
	}

	// Push one failure past the cap.
	n, err := o.RequeueFailed(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	claimed, err := o.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, o.Fail(ctx, []string{claimed[0].ID}, "again"))
	require.NoError(t, o.Ack(ctx, []string{claimed[1].ID}))

	n, err = o.RequeueFailed(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n, "retry cap reached, event stays failed")

	o.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 10) }
	purged, err := o.PurgeCompleted(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)
	counts = statusCounts(repo)
	assert.Zero(t, counts[domain.EventStatusCompleted])
	assert.Equal(t, 1, counts[domain.EventStatusFailed], "failed events are never purged")
}

type fakePublisher struct {
	mu       sync.Mutex
	failIDs  map[string]bool
	down     bool
	received []string
}

func (p *fakePublisher) Publish(_ context.Context, events []domain.QueuedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("broker unreachable")
	}
	failed := map[string]error{}
	for _, e := range events {
		if p.failIDs[e.EntityID] {
			failed[e.ID] = errors.New("rejected")
			continue
		}
		p.received = append(p.received, e.EntityID)
	}
	if len(failed) > 0 {
		return &PublishError{Failed: failed}
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestRelayAcksDeliveredAndFailsRejected(t *testing.T) {
	repo := memory.New()
	o := New(repo)
	enqueueN(t, repo, o, 4)
	pub := &fakePublisher{failIDs: map[string]bool{"r2": true}}
	relay := NewRelay(o, pub, RelayConfig{BatchSize: 10, MaxRetries: 3}, zerolog.Nop())

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.ElementsMatch(t, []string{"r0", "r1", "r3"}, pub.received)

	counts := statusCounts(repo)
	assert.Equal(t, 3, counts[domain.EventStatusCompleted])
	assert.Equal(t, 1, counts[domain.EventStatusFailed])

	pub.failIDs = nil
	relay.Maintain(context.Background())
	_, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, statusCounts(repo)[domain.EventStatusCompleted])
}

func TestRelayFailsWholeBatchWhenSinkIsDown(t *testing.T) {
	repo := memory.New()
	o := New(repo)
	enqueueN(t, repo, o, 2)
	relay := NewRelay(o, &fakePublisher{down: true}, RelayConfig{BatchSize: 10}, zerolog.Nop())

	_, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, statusCounts(repo)[domain.EventStatusFailed])
}

func TestRelayStartDrainsUntilCancelled(t *testing.T) {
	repo := memory.New()
	o := New(repo)
	enqueueN(t, repo, o, 25)
	pub := &fakePublisher{}
	relay := NewRelay(o, pub, RelayConfig{Workers: 3, BatchSize: 4, PollInterval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	relay.Start(ctx)
	require.Eventually(t, func() bool {
		return statusCounts(repo)[domain.EventStatusCompleted] == 25
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	relay.Wait()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.received, 25)
}

type fakeWriter struct {
	msgs []kafka.Message
	errs kafka.WriteErrors
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	if w.errs != nil {
		return w.errs
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherBuildsKeyedMessagesAndMapsPartialFailures(t *testing.T) {
	events := []domain.QueuedEvent{
		{ID: "e1", TenantID: "t1", EventType: EventSaleCompleted, EntityType: "receipt", EntityID: "r1", Payload: []byte(`{"a":1}`)},
		{ID: "e2", TenantID: "t1", EventType: EventSaleVoided, EntityType: "receipt", EntityID: "r2", Payload: []byte(`{}`)},
	}

	w := &fakeWriter{}
	p := NewKafkaPublisher(w)
	require.NoError(t, p.Publish(context.Background(), events))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "t1:receipt:r1", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"event_type":"sale_completed"`)
	assert.Equal(t, "event_type", w.msgs[1].Headers[0].Key)
	assert.Equal(t, EventSaleVoided, string(w.msgs[1].Headers[0].Value))

	w = &fakeWriter{errs: kafka.WriteErrors{nil, errors.New("leader not available")}}
	p = NewKafkaPublisher(w)
	err := p.Publish(context.Background(), events)
	var partial *PublishError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Failed, 1)
	assert.Contains(t, partial.Failed, "e2")
}

func TestAbandonedClaimIsExpiredAndRedelivered(t *testing.T) {
	repo := memory.New()
	o := New(repo)
	enqueueN(t, repo, o, 1)
	ctx := context.Background()

	// A worker claims the event and dies before acking or failing it.
	claimed, err := o.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].ClaimedAt)

	n, err := o.RequeueFailed(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = o.ExpireClaims(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are left alone")

	pub := &fakePublisher{}
	relay := NewRelay(o, pub, RelayConfig{BatchSize: 10, ClaimTimeout: time.Minute}, zerolog.Nop())
	o.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	relay.Maintain(ctx)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStatusPending, events[0].Status)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.Equal(t, "claim expired", events[0].LastError)

	processed, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, []string{"r0"}, pub.received)
	assert.Equal(t, domain.EventStatusCompleted, repo.Events()[0].Status)
}

// ctxRepo rejects outbox writes on a done context the way a SQL driver does.
type ctxRepo struct {
	*memory.Store
}

func (r ctxRepo) AckEvents(ctx context.Context, ids []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Store.AckEvents(ctx, ids, at)
}

func (r ctxRepo) FailEvents(ctx context.Context, ids []string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Store.FailEvents(ctx, ids, reason)
}

type cancellingPublisher struct {
	cancel context.CancelFunc
}

func (p cancellingPublisher) Publish(ctx context.Context, _ []domain.QueuedEvent) error {
	p.cancel()
	return ctx.Err()
}

func (p cancellingPublisher) Close() error { return nil }

func TestShutdownMidPublishLeavesBatchRetryable(t *testing.T) {
	repo := memory.New()
	o := New(ctxRepo{repo})
	enqueueN(t, repo, o, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := NewRelay(o, cancellingPublisher{cancel: cancel}, RelayConfig{BatchSize: 10}, zerolog.Nop())

	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts := statusCounts(repo)
	assert.Zero(t, counts[domain.EventStatusProcessing])
	assert.Equal(t, 3, counts[domain.EventStatusFailed])

	requeued, err := o.RequeueFailed(context.Background(), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 3, requeued)
}
