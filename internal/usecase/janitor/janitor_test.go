package janitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/infra/logger"
)

type countingSweeper struct{ calls atomic.Int64 }

func (c *countingSweeper) Sweep(context.Context) { c.calls.Add(1) }

type countingMaintainer struct{ calls atomic.Int64 }

func (c *countingMaintainer) MaintainBreakers(time.Time) int {
	c.calls.Add(1)
	return 0
}

func TestJanitorRunsScheduledJobs(t *testing.T) {
	pool := &countingSweeper{}
	breakers := &countingMaintainer{}

	j, err := New(Config{
		PoolInterval:    50 * time.Millisecond,
		BreakerInterval: 50 * time.Millisecond,
	}, pool, breakers, nil, logger.Discard())
	require.NoError(t, err)

	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool {
		return pool.calls.Load() >= 2 && breakers.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJanitorNilCollaboratorsSkipped(t *testing.T) {
	j, err := New(Config{}, nil, nil, nil, logger.Discard())
	require.NoError(t, err)
	assert.Empty(t, j.cron.Entries())
	j.Start()
	j.Stop()
}
