package worker

import (
	"context"
	"fmt"
	"sync"
)

type slotKey struct{}

// SlotID returns the id of the slot executing the handler that owns ctx, or ""
// outside a handler.
func SlotID(ctx context.Context) string {
	id, _ := ctx.Value(slotKey{}).(string)
	return id
}

func withSlot(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, slotKey{}, id)
}

// SlotState is a point-in-time view of one execution slot.
type SlotState struct {
	ID         string `json:"id"`
	Generation int    `json:"generation"`
	// Invocation is empty while the slot waits for work.
	Invocation string `json:"invocation,omitempty"`
	Executions int    `json:"executions"`
}

func slotID(worker string, index, generation int) string {
	return fmt.Sprintf("%s/%d#%d", worker, index, generation)
}

// slotTable tracks the live generation of every slot for Slots().
type slotTable struct {
	mu    sync.Mutex
	slots []SlotState
}

func newSlotTable(n int) *slotTable {
	return &slotTable{slots: make([]SlotState, n)}
}

func (t *slotTable) update(index int, fn func(*SlotState)) {
	t.mu.Lock()
	fn(&t.slots[index])
	t.mu.Unlock()
}

func (t *slotTable) snapshot() []SlotState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SlotState, len(t.slots))
	copy(out, t.slots)
	return out
}
