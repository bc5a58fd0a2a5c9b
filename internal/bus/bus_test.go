package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	b := New()

	var order []string
	b.Subscribe("task:created", func(Event) { order = append(order, "first") })
	b.Subscribe("task:created", func(Event) { order = append(order, "second") })

	b.Emit("task:created", map[string]interface{}{"id": "task-1"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	b := New()

	var seqs []uint64
	b.Subscribe("*", func(ev Event) { seqs = append(seqs, ev.Seq) })

	b.Emit("a", nil)
	b.Emit("b", nil)
	b.Emit("c", nil)

	require.Len(t, seqs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	assert.EqualValues(t, 3, b.TotalEmitted())
}

func TestWildcardSubscriptions(t *testing.T) {
	b := New()

	all, prefixed, exact := 0, 0, 0
	b.Subscribe("*", func(Event) { all++ })
	b.Subscribe("task:*", func(Event) { prefixed++ })
	b.Subscribe("task:updated", func(Event) { exact++ })

	b.Emit("task:updated", nil)
	b.Emit("task:created", nil)
	b.Emit("shadow:synced", nil)

	assert.Equal(t, 3, all)
	assert.Equal(t, 2, prefixed)
	assert.Equal(t, 1, exact)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	off := b.Subscribe("task:created", func(Event) { calls++ })

	b.Emit("task:created", nil)
	off()
	b.Emit("task:created", nil)

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.GetStats().SubscriberCount)
}

func TestNilBusIsNoOp(t *testing.T) {
	var b *Bus

	off := b.Subscribe("anything", func(Event) { t.Fatal("must not fire") })
	b.Emit("anything", nil)
	off()

	assert.Zero(t, b.TotalEmitted())
	assert.Zero(t, b.GetStats().SubscriberCount)
}

func TestEmitCarriesPayload(t *testing.T) {
	b := New()

	var got Event
	b.Subscribe("metric:divergence", func(ev Event) { got = ev })

	b.Emit("metric:divergence", map[string]interface{}{"severity": "warning"})
	assert.Equal(t, "metric:divergence", got.Name)
	assert.Equal(t, "warning", got.Payload["severity"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestConcurrentEmitIsSafe(t *testing.T) {
	b := New()

	var mu sync.Mutex
	seen := 0
	b.Subscribe("tick", func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit("tick", nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, seen)
	assert.EqualValues(t, 400, b.TotalEmitted())
}
