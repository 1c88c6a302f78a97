package turnlock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/voicekb/internal/apperr"
)

func exercise(t *testing.T, g Guard) {
	ctx := context.Background()
	key := "CA-" + uuid.NewString()

	release, err := g.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, key)
	assert.ErrorIs(t, err, apperr.ErrConcurrentTurnConflict)

	other, err := g.Acquire(ctx, key+"-other")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := g.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}

func TestLocal(t *testing.T) {
	exercise(t, NewLocal())
}

func TestLocal_ExactlyOneWinner(t *testing.T) {
	g := NewLocal()
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	var releases sync.Map
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			release, err := g.Acquire(context.Background(), "CA1")
			if err == nil {
				wins.Add(1)
				releases.Store(i, release)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	r, err := NewRedis(url, 5*time.Second)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))
	exercise(t, r)
}
