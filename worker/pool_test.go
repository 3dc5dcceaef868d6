package worker_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/referral-engine/worker"
)

func TestPool_RunsAllJobs(t *testing.T) {
	p := worker.NewPool(4, 16)

	var n atomic.Int64
	for i := 0; i < 100; i++ {
		assert.True(t, p.Submit(func() { n.Add(1) }))
	}
	p.Stop()

	assert.Equal(t, int64(100), n.Load())
}

func TestPool_RejectsAfterStop(t *testing.T) {
	p := worker.NewPool(1, 1)
	p.Stop()

	assert.False(t, p.Submit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	p.Stop()
}

func TestPool_TrySubmitWhenFull(t *testing.T) {
	// GIVEN: One worker blocked and a queue of one already taken
	p := worker.NewPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() { close(started); <-release })
	<-started
	assert.True(t, p.TrySubmit(func() {}))

	// THEN: The next job is refused instead of blocking
	assert.False(t, p.TrySubmit(func() {}))
	assert.Equal(t, 1, p.Len())

	close(release)
	p.Stop()
}
