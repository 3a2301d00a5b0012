package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/event-reservations/internal/observability"
)

type fakeSource struct {
	records []Record
	err     error
}

func (s *fakeSource) RelayOutbox(ctx context.Context, limit int, publish func(context.Context, Record) error) (BatchResult, error) {
	if s.err != nil {
		return BatchResult{}, s.err
	}
	var result BatchResult
	var remaining []Record
	for i, rec := range s.records {
		if i >= limit {
			remaining = append(remaining, rec)
			continue
		}
		if result.Oldest.IsZero() {
			result.Oldest = rec.CreatedAt
		}
		if err := publish(ctx, rec); err != nil {
			result.Failed++
			remaining = append(remaining, s.records[i:]...)
			break
		}
		result.Relayed++
	}
	s.records = remaining
	return result, nil
}

type fakeSink struct {
	published []Record
	failOn    string
}

func (s *fakeSink) Publish(_ context.Context, rec Record) error {
	if rec.DedupeKey == s.failOn {
		return errors.New("broker unavailable")
	}
	s.published = append(s.published, rec)
	return nil
}

func records(n int, created time.Time) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			ID:        uuid.New(),
			EventType: EventOccupancyChanged,
			DedupeKey: uuid.NewString(),
			CreatedAt: created.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func newTestPublisher(src Source, sink Sink, batch int) *Publisher {
	p := NewPublisher(src, sink, observability.NewNopLogger(), time.Millisecond, batch)
	return p
}

func TestRelayOnce_PublishesBatch(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{records: records(3, created)}
	sink := &fakeSink{}
	p := newTestPublisher(src, sink, 10)
	p.now = func() time.Time { return created.Add(5 * time.Second) }

	result, err := p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Relayed)
	assert.Len(t, sink.published, 3)
	assert.Empty(t, src.records)
}

func TestRelayOnce_StopsAtFailure(t *testing.T) {
	recs := records(3, time.Now())
	src := &fakeSource{records: recs}
	sink := &fakeSink{failOn: recs[1].DedupeKey}
	p := newTestPublisher(src, sink, 10)

	result, err := p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Relayed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, src.records, 2)
	assert.Equal(t, recs[1].ID, src.records[0].ID)
}

func TestRelayOnce_SourceError(t *testing.T) {
	p := newTestPublisher(&fakeSource{err: errors.New("db down")}, &fakeSink{}, 10)
	_, err := p.RelayOnce(context.Background())
	assert.Error(t, err)
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	src := &fakeSource{records: records(25, time.Now())}
	sink := &fakeSink{}
	p := newTestPublisher(src, sink, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	assert.Len(t, sink.published, 25)
}
