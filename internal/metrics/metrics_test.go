package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/pool"
)

func TestSlotCountsTrackTransitions(t *testing.T) {
	poolName := "counts-pool"
	DeletePoolMetrics(poolName)

	if c := SlotCounts(poolName); c != nil {
		t.Errorf("SlotCounts() = %v for unknown pool, want nil", c)
	}

	SetSlotState(poolName, 0, string(pool.StateInitializing))
	SetSlotState(poolName, 1, string(pool.StateInitializing))
	SetSlotState(poolName, 0, string(pool.StateAvailable))

	counts := SlotCounts(poolName)
	if counts[string(pool.StateAvailable)] != 1 || counts[string(pool.StateInitializing)] != 1 {
		t.Errorf("SlotCounts() = %v, want 1 available / 1 initializing", counts)
	}

	SetSlotState(poolName, 0, string(pool.StateBusy))
	SetSlotState(poolName, 1, string(pool.StateDead))
	counts = SlotCounts(poolName)
	if counts[string(pool.StateAvailable)] != 0 {
		t.Errorf("available count = %d after slot moved on, want 0", counts[string(pool.StateAvailable)])
	}
	if counts[string(pool.StateBusy)] != 1 || counts[string(pool.StateDead)] != 1 {
		t.Errorf("SlotCounts() = %v, want 1 busy / 1 dead", counts)
	}

	DeletePoolMetrics(poolName)
	if c := SlotCounts(poolName); c != nil {
		t.Error("SlotCounts() non-nil after delete")
	}
}

func TestAllSlotCountsReturnsCopies(t *testing.T) {
	DeletePoolMetrics("copy-a")
	DeletePoolMetrics("copy-b")

	SetSlotState("copy-a", 0, string(pool.StateAvailable))
	SetSlotState("copy-b", 0, string(pool.StateDead))

	all := AllSlotCounts()
	if all["copy-a"][string(pool.StateAvailable)] != 1 {
		t.Errorf("copy-a counts = %v, want 1 available", all["copy-a"])
	}
	if all["copy-b"][string(pool.StateDead)] != 1 {
		t.Errorf("copy-b counts = %v, want 1 dead", all["copy-b"])
	}

	all["copy-a"][string(pool.StateAvailable)] = 99
	if SlotCounts("copy-a")[string(pool.StateAvailable)] != 1 {
		t.Error("cache was modified through the returned map")
	}

	DeletePoolMetrics("copy-a")
	DeletePoolMetrics("copy-b")
}

func TestSlotStateConcurrency(t *testing.T) {
	poolName := "concurrent-pool"
	DeletePoolMetrics(poolName)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			SetSlotState(poolName, n%4, string(pool.StateBusy))
			RecordRecycle(poolName, "max-reuses")
			RecordCompletion(poolName, 10*time.Millisecond)
			RecordWarmupFailure(poolName)
			SetDegraded(poolName, n%2 == 0)
			_ = SlotCounts(poolName)
			_ = AllSlotCounts()
		}(i)
	}
	wg.Wait()

	counts := SlotCounts(poolName)
	if counts == nil || counts[string(pool.StateBusy)] != 4 {
		t.Errorf("SlotCounts() = %v, want 4 busy", counts)
	}
	DeletePoolMetrics(poolName)
}

func TestBridgeFeedsFromBus(t *testing.T) {
	poolName := "bridge-pool"
	DeletePoolMetrics(poolName)

	bus := events.New()
	bridge := NewBridge(bus)
	defer bridge.Close()

	bus.Publish(events.SlotStateEvent{
		Pool: poolName, Slot: 0,
		From: string(pool.StateDead), To: string(pool.StateInitializing),
	})
	bus.Publish(events.SlotStateEvent{
		Pool: poolName, Slot: 0,
		From: string(pool.StateInitializing), To: string(pool.StateAvailable),
	})
	bus.Publish(events.SlotRecycledEvent{Pool: poolName, Slot: 0, Reason: "max-reuses"})
	bus.Publish(events.CompletionServedEvent{Pool: poolName, Slot: 0, ReuseCount: 1, DurationMs: 120})

	// Bus dispatch is asynchronous.
	waitFor(t, func() bool {
		return SlotCounts(poolName)[string(pool.StateAvailable)] == 1
	})

	DeletePoolMetrics(poolName)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
