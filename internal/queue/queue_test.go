package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/neopro/edge-agent/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, opts Options) (*Queue, string) {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.json"), filepath.Join(dir, "dead.jsonl"), opts)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q, dir
}

func TestEnqueue(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}

	t.Run("identical type and data enqueued once", func(t *testing.T) {
		is := is.New(t)
		q, _ := newTestQueue(t, Options{Now: clock.now})

		id, ok := q.Enqueue("deploy_video", json.RawMessage(`{"url":"a","name":"b"}`), EnqueueOptions{})
		is.True(ok)
		is.True(id != "")

		// Same payload with reordered keys is still a duplicate.
		_, ok = q.Enqueue("deploy_video", json.RawMessage(`{"name":"b","url":"a"}`), EnqueueOptions{})
		is.True(!ok)
		is.Equal(q.Len(), 1)
	})

	t.Run("high priority goes to the head, fifo within class", func(t *testing.T) {
		is := is.New(t)
		q, _ := newTestQueue(t, Options{Now: clock.now})

		q.Enqueue("a", json.RawMessage(`1`), EnqueueOptions{})
		q.Enqueue("b", json.RawMessage(`2`), EnqueueOptions{Priority: models.PriorityHigh})
		q.Enqueue("c", json.RawMessage(`3`), EnqueueOptions{Priority: models.PriorityHigh})
		q.Enqueue("d", json.RawMessage(`4`), EnqueueOptions{Priority: models.PriorityLow})

		var order []string
		for e := q.Dequeue(); e != nil; e = q.Dequeue() {
			order = append(order, e.Type)
		}
		is.Equal(order, []string{"b", "c", "a", "d"})
	})

	t.Run("capacity evicts oldest low priority first", func(t *testing.T) {
		is := is.New(t)
		q, _ := newTestQueue(t, Options{Capacity: 3, Now: clock.now})

		q.Enqueue("first", json.RawMessage(`1`), EnqueueOptions{})
		clock.advance(time.Second)
		q.Enqueue("low", json.RawMessage(`2`), EnqueueOptions{Priority: models.PriorityLow})
		clock.advance(time.Second)
		q.Enqueue("second", json.RawMessage(`3`), EnqueueOptions{})
		clock.advance(time.Second)
		q.Enqueue("third", json.RawMessage(`4`), EnqueueOptions{})

		is.Equal(q.Len(), 3)
		types := make(map[string]bool)
		for _, e := range q.Snapshot() {
			types[e.Type] = true
		}
		is.True(!types["low"]) // the low entry was evicted
		is.True(types["first"])
	})

	t.Run("capacity evicts oldest overall without low entries", func(t *testing.T) {
		is := is.New(t)
		q, _ := newTestQueue(t, Options{Capacity: 2, Now: clock.now})

		q.Enqueue("oldest", json.RawMessage(`1`), EnqueueOptions{})
		clock.advance(time.Second)
		q.Enqueue("middle", json.RawMessage(`2`), EnqueueOptions{})
		clock.advance(time.Second)
		q.Enqueue("newest", json.RawMessage(`3`), EnqueueOptions{})

		types := make(map[string]bool)
		for _, e := range q.Snapshot() {
			types[e.Type] = true
		}
		is.True(!types["oldest"])
	})
}

func TestExpiry(t *testing.T) {
	is := is.New(t)
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	q, _ := newTestQueue(t, Options{TTL: time.Hour, Now: clock.now})

	q.Enqueue("stale", json.RawMessage(`1`), EnqueueOptions{})
	clock.advance(2 * time.Hour)
	q.Enqueue("fresh", json.RawMessage(`2`), EnqueueOptions{})

	e := q.Dequeue()
	is.True(e != nil)
	is.Equal(e.Type, "fresh") // expired entry filtered before head
	is.Equal(q.Len(), 0)
}

func TestRetry(t *testing.T) {
	t.Run("attempts increase and dead-letter at exactly max", func(t *testing.T) {
		is := is.New(t)
		clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
		q, _ := newTestQueue(t, Options{MaxAttempts: 3, Now: clock.now})

		q.Enqueue("flaky", json.RawMessage(`1`), EnqueueOptions{})

		e := q.Dequeue()
		is.True(q.Requeue(e, errors.New("boom"))) // attempts 1
		is.Equal(e.Attempts, 1)

		e = q.Dequeue()
		is.True(q.Requeue(e, errors.New("boom"))) // attempts 2
		is.Equal(e.Attempts, 2)

		e = q.Dequeue()
		is.True(!q.Requeue(e, errors.New("boom"))) // attempts 3 == max, dead
		is.Equal(e.Attempts, 3)
		is.Equal(q.Len(), 0)

		dead, err := q.DeadLetters()
		is.NoErr(err)
		is.Equal(len(dead), 1)
		is.Equal(dead[0].Entry.Type, "flaky")
		is.Equal(dead[0].Entry.LastError, "boom")
	})
}

func TestPersistence(t *testing.T) {
	t.Run("queue survives reopen", func(t *testing.T) {
		is := is.New(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "queue.json")
		dead := filepath.Join(dir, "dead.jsonl")

		q, err := Open(path, dead, Options{})
		is.NoErr(err)
		q.Enqueue("deploy_video", json.RawMessage(`{"url":"x"}`), EnqueueOptions{})
		q.Enqueue("reboot", nil, EnqueueOptions{Priority: models.PriorityHigh})

		reopened, err := Open(path, dead, Options{})
		is.NoErr(err)
		is.Equal(reopened.Len(), 2)
		is.Equal(reopened.Snapshot()[0].Type, "reboot")
	})

	t.Run("corrupt file moved aside and queue starts empty", func(t *testing.T) {
		is := is.New(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "queue.json")
		is.NoErr(os.WriteFile(path, []byte("{not json"), 0o644))

		q, err := Open(path, filepath.Join(dir, "dead.jsonl"), Options{})
		is.NoErr(err)
		is.Equal(q.Len(), 0)

		_, err = os.Stat(path + ".corrupt")
		is.NoErr(err)
	})
}

func TestProcess(t *testing.T) {
	t.Run("drains in order through the executor", func(t *testing.T) {
		is := is.New(t)
		q, _ := newTestQueue(t, Options{})

		q.Enqueue("one", json.RawMessage(`1`), EnqueueOptions{})
		q.Enqueue("two", json.RawMessage(`2`), EnqueueOptions{})
		q.Enqueue("urgent", json.RawMessage(`3`), EnqueueOptions{Priority: models.PriorityHigh})

		var order []string
		stats := q.Process(context.Background(), func(_ context.Context, cmd models.Command) error {
			order = append(order, cmd.Type)
			return nil
		})

		is.Equal(order, []string{"urgent", "one", "two"})
		is.Equal(stats.Processed, 3)
		is.Equal(stats.Succeeded, 3)
		is.Equal(q.Len(), 0)
	})

	t.Run("failures are requeued, not retried in the same pass", func(t *testing.T) {
		is := is.New(t)
		q, _ := newTestQueue(t, Options{MaxAttempts: 3})

		q.Enqueue("bad", json.RawMessage(`1`), EnqueueOptions{})
		q.Enqueue("good", json.RawMessage(`2`), EnqueueOptions{})

		calls := 0
		stats := q.Process(context.Background(), func(_ context.Context, cmd models.Command) error {
			calls++
			if cmd.Type == "bad" {
				return errors.New("nope")
			}
			return nil
		})

		is.Equal(calls, 2)
		is.Equal(stats.Requeued, 1)
		is.Equal(stats.Succeeded, 1)
		is.Equal(q.Len(), 1) // the failed entry waits for the next pass
	})
}
