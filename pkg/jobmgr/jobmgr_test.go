package jobmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) report(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestStartAsyncAndStop(t *testing.T) {
	rec := &recorder{}
	jm := NewManager(rec.report)

	job, err := jm.StartAsync(context.Background(), "shard-0", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-0"}, jm.List())
	assert.Equal(t, "Running jobs: shard-0", jm.Status())

	_, err = jm.StartAsync(context.Background(), "shard-0", func(ctx context.Context) error { return nil })
	assert.Error(t, err, "duplicate names are rejected")

	require.NoError(t, jm.Stop("shard-0"))
	<-job.Done()
	assert.Empty(t, jm.List())
	assert.Equal(t, "No jobs are running.", jm.Status())
	assert.Error(t, jm.Stop("shard-0"))

	assert.Contains(t, rec.snapshot(), "running:shard-0")
	assert.Contains(t, rec.snapshot(), "done:shard-0")
}

func TestJobErrorReported(t *testing.T) {
	rec := &recorder{}
	jm := NewManager(rec.report)

	job, err := jm.StartAsync(context.Background(), "metrics", func(ctx context.Context) error {
		return errors.New("listen failed")
	})
	require.NoError(t, err)

	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal("job did not finish")
	}
	assert.Contains(t, rec.snapshot(), "error:metrics:listen failed")
	assert.Eventually(t, func() bool { return len(jm.List()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopAll(t *testing.T) {
	jm := NewManager(nil)
	for _, name := range []string{"b", "a", "c"} {
		_, err := jm.StartAsync(context.Background(), name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, jm.List())

	jm.StopAll()
	assert.Empty(t, jm.List())
}
