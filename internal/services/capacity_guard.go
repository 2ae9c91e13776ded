package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/reservahub/booking-engine/internal/models"
)

// CapacityGuard prevents over-allocation of a finite (asset, slot) resource.
// Reserve must be a single conditional increment, never read-then-write.
// Release is idempotent: unknown or already released holds are a no-op.
type CapacityGuard interface {
	Reserve(ctx context.Context, assetID, slot string, quantity int) (string, error)
	Release(ctx context.Context, holdID string) error
	SetCapacity(ctx context.Context, assetID, slot string, capacity int) error
}

// ============================================================================
// IN-MEMORY GUARD
// ============================================================================

type memoryHold struct {
	key      string
	quantity int
}

// MemoryCapacityGuard keeps counters in process memory.
// Used in development mode and tests.
type MemoryCapacityGuard struct {
	mu              sync.Mutex
	defaultCapacity int
	capacity        map[string]int
	reserved        map[string]int
	holds           map[string]memoryHold
}

// NewMemoryCapacityGuard creates an in-memory guard. Slots without an explicit
// capacity use defaultCapacity.
func NewMemoryCapacityGuard(defaultCapacity int) *MemoryCapacityGuard {
	return &MemoryCapacityGuard{
		defaultCapacity: defaultCapacity,
		capacity:        make(map[string]int),
		reserved:        make(map[string]int),
		holds:           make(map[string]memoryHold),
	}
}

func slotCounterKey(assetID, slot string) string {
	return assetID + "|" + slot
}

// Reserve takes quantity units from the slot or fails with CapacityExceededError
func (g *MemoryCapacityGuard) Reserve(ctx context.Context, assetID, slot string, quantity int) (string, error) {
	if quantity <= 0 {
		return "", models.NewValidationError("invalid_quantity", "quantity", "quantity must be positive")
	}

	key := slotCounterKey(assetID, slot)

	g.mu.Lock()
	defer g.mu.Unlock()

	capacity, ok := g.capacity[key]
	if !ok {
		capacity = g.defaultCapacity
	}
	if g.reserved[key]+quantity > capacity {
		return "", &models.CapacityExceededError{AssetID: assetID, Slot: slot, Requested: quantity}
	}

	holdID := uuid.NewString()
	g.reserved[key] += quantity
	g.holds[holdID] = memoryHold{key: key, quantity: quantity}
	return holdID, nil
}

// Release returns a hold's units to its slot
func (g *MemoryCapacityGuard) Release(ctx context.Context, holdID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	hold, ok := g.holds[holdID]
	if !ok {
		return nil
	}
	delete(g.holds, holdID)
	g.reserved[hold.key] -= hold.quantity
	return nil
}

// SetCapacity sets the maximum for a slot. Existing holds are kept even if they exceed it.
func (g *MemoryCapacityGuard) SetCapacity(ctx context.Context, assetID, slot string, capacity int) error {
	if capacity < 0 {
		return models.NewValidationError("invalid_capacity", "capacity", "capacity cannot be negative")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capacity[slotCounterKey(assetID, slot)] = capacity
	return nil
}

// Outstanding returns the units currently held for a slot
func (g *MemoryCapacityGuard) Outstanding(assetID, slot string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserved[slotCounterKey(assetID, slot)]
}
