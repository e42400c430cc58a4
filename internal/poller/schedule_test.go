package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentimental/internal/apperrors"
)

type countingRunner struct{ calls chan struct{} }

func (c countingRunner) Run(ctx context.Context) (Summary, error) {
	c.calls <- struct{}{}
	return Summary{}, nil
}

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	t.Parallel()
	_, err := NewScheduler("every five minutes", time.Minute, countingRunner{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestSchedulerRunsPasses(t *testing.T) {
	t.Parallel()
	r := countingRunner{calls: make(chan struct{}, 4)}
	s, err := NewScheduler("@every 1s", time.Second, r)
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())

	select {
	case <-r.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled pass never ran")
	}
}
