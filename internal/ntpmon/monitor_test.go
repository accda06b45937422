package ntpmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubQuerier struct {
	mu      sync.Mutex
	offset  float64
	err     error
	calls   int
}

func (s *stubQuerier) Query(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.offset, nil
}

func TestStatusUnsynchronizedBeforeFirstPoll(t *testing.T) {
	m := New(&stubQuerier{}, zerolog.Nop())
	st := m.Status()
	assert.False(t, st.Synchronized)
}

func TestPollUpdatesStatus(t *testing.T) {
	q := &stubQuerier{offset: 12.5}
	m := New(q, zerolog.Nop())
	m.poll(context.Background())

	st := m.Status()
	assert.True(t, st.Synchronized)
	assert.InDelta(t, 12.5, st.OffsetMs, 1e-9)
}

func TestPollFailureLeavesCacheUnchanged(t *testing.T) {
	q := &stubQuerier{offset: 5}
	m := New(q, zerolog.Nop())
	m.poll(context.Background())

	q.mu.Lock()
	q.err = errors.New("timeout")
	q.mu.Unlock()
	m.poll(context.Background())

	st := m.Status()
	assert.True(t, st.Synchronized)
	assert.InDelta(t, 5, st.OffsetMs, 1e-9)
}

func TestStalenessMarksUnsynchronized(t *testing.T) {
	q := &stubQuerier{offset: 5}
	m := New(q, zerolog.Nop())
	m.poll(context.Background())

	m.mu.Lock()
	m.status.LastUpdate = time.Now().Add(-90 * time.Second)
	m.mu.Unlock()

	assert.False(t, m.Status().Synchronized)
}
