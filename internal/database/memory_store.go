package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reservahub/booking-engine/internal/models"
)

// MemoryStore keeps bookings, coupons and payment events in process memory
// behind one lock, so multi-record writes are atomic. Used in development
// without DATABASE_URL and in tests.
type MemoryStore struct {
	mu          sync.Mutex
	bookings    map[uuid.UUID]*models.BookingRecord
	coupons     map[string]*models.Coupon
	redemptions []models.CouponRedemption
	events      map[string]*models.PaymentEvent
	eventOrder  []string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[uuid.UUID]*models.BookingRecord),
		coupons:  make(map[string]*models.Coupon),
		events:   make(map[string]*models.PaymentEvent),
	}
}

// Bookings returns the BookingStore view
func (s *MemoryStore) Bookings() *MemoryBookingStore { return &MemoryBookingStore{s} }

// Coupons returns the CouponStore view
func (s *MemoryStore) Coupons() *MemoryCouponStore { return &MemoryCouponStore{s} }

// Events returns the PaymentEventStore view
func (s *MemoryStore) Events() *MemoryPaymentEventStore { return &MemoryPaymentEventStore{s} }

func (s *MemoryStore) netUserRedemptions(couponID uuid.UUID, userID string) int {
	count := 0
	for _, r := range s.redemptions {
		if r.CouponID != couponID || r.UserID != userID {
			continue
		}
		if r.Kind == models.RedemptionApplied {
			count++
		} else {
			count--
		}
	}
	return count
}

// hasUnreversedRedemption must be called with s.mu held
func (s *MemoryStore) hasUnreversedRedemption(bookingID uuid.UUID) bool {
	applied := make(map[uuid.UUID]bool)
	reversed := make(map[uuid.UUID]bool)
	for _, r := range s.redemptions {
		if r.BookingID != bookingID {
			continue
		}
		if r.Kind == models.RedemptionApplied {
			applied[r.CouponID] = true
		} else {
			reversed[r.CouponID] = true
		}
	}
	for couponID := range applied {
		if !reversed[couponID] {
			return true
		}
	}
	return false
}

func (s *MemoryStore) couponByID(id uuid.UUID) *models.Coupon {
	for _, c := range s.coupons {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ============================================================================
// BOOKINGS
// ============================================================================

// MemoryBookingStore implements the booking store over MemoryStore
type MemoryBookingStore struct{ s *MemoryStore }

// CreateWithRedemptions stores the booking and consumes coupon usage atomically
func (m *MemoryBookingStore) CreateWithRedemptions(ctx context.Context, b *models.BookingRecord, redemptions []*models.CouponRedemption) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, exists := m.s.bookings[b.ID]; exists {
		return fmt.Errorf("booking %s already exists", b.ID)
	}

	for _, red := range redemptions {
		c := m.s.couponByID(red.CouponID)
		if c == nil || !c.IsActive || (c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit) {
			return models.NewValidationError(models.ReasonUsageLimitReached, "coupon_codes", "coupon usage limit reached")
		}
		if c.UserUsageLimit != nil && red.UserID != "" && m.s.netUserRedemptions(c.ID, red.UserID) >= *c.UserUsageLimit {
			return models.NewValidationError(models.ReasonUserLimitReached, "coupon_codes", "coupon already used the maximum number of times")
		}
	}

	for _, red := range redemptions {
		m.s.couponByID(red.CouponID).UsageCount++
		m.s.redemptions = append(m.s.redemptions, *red)
	}
	if b.Version == 0 {
		b.Version = 1
	}
	m.s.bookings[b.ID] = b.Clone()
	return nil
}

// GetByID retrieves a booking by ID
func (m *MemoryBookingStore) GetByID(ctx context.Context, id uuid.UUID) (*models.BookingRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if b, ok := m.s.bookings[id]; ok {
		return b.Clone(), nil
	}
	return nil, nil
}

// GetByReference resolves a booking id, confirmation code or preference id
func (m *MemoryBookingStore) GetByReference(ctx context.Context, reference string) (*models.BookingRecord, error) {
	if id, err := uuid.Parse(reference); err == nil {
		return m.GetByID(ctx, id)
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, b := range m.s.bookings {
		if (b.ConfirmationCode != nil && *b.ConfirmationCode == reference) ||
			(b.PreferenceID != nil && *b.PreferenceID == reference) {
			return b.Clone(), nil
		}
	}
	return nil, nil
}

// Update writes b if its version is unchanged
func (m *MemoryBookingStore) Update(ctx context.Context, b *models.BookingRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	current, ok := m.s.bookings[b.ID]
	if !ok || current.Version != b.Version {
		return fmt.Errorf("booking %s at version %d: %w", b.ID, b.Version, models.ErrVersionConflict)
	}

	b.Version++
	b.UpdatedAt = time.Now()
	if current.HoldReleasedAt != nil {
		b.HoldReleasedAt = current.HoldReleasedAt
	}
	m.s.bookings[b.ID] = b.Clone()
	return nil
}

// MarkHoldReleased stamps the first release of the booking's hold
func (m *MemoryBookingStore) MarkHoldReleased(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if b, ok := m.s.bookings[id]; ok && b.HoldReleasedAt == nil {
		b.HoldReleasedAt = &at
	}
	return nil
}

// ListExpired returns unpaid bookings whose hold window has passed
func (m *MemoryBookingStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.BookingRecord, error) {
	return m.list(limit, func(b *models.BookingRecord) bool {
		return b.Status.IsUnpaid() && b.ExpiresAt.Before(now)
	}), nil
}

// ListUnreleasedHolds returns finished bookings whose hold should have been released
func (m *MemoryBookingStore) ListUnreleasedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.BookingRecord, error) {
	return m.list(limit, func(b *models.BookingRecord) bool {
		return b.NeedsHoldRelease() && b.UpdatedAt.Before(olderThan)
	}), nil
}

// ListUnreversedCoupons returns unpaid finished bookings with redemptions not yet reversed
func (m *MemoryBookingStore) ListUnreversedCoupons(ctx context.Context, olderThan time.Time, limit int) ([]*models.BookingRecord, error) {
	return m.list(limit, func(b *models.BookingRecord) bool {
		return b.NeedsCouponReversal() && b.UpdatedAt.Before(olderThan) && m.s.hasUnreversedRedemption(b.ID)
	}), nil
}

// CountPaidByUser counts a customer's bookings with a settled payment
func (m *MemoryBookingStore) CountPaidByUser(ctx context.Context, userID string) (int, error) {
	return len(m.list(0, func(b *models.BookingRecord) bool {
		return b.Customer.UserID == userID && b.PaymentStatus.HoldsFunds()
	})), nil
}

func (m *MemoryBookingStore) list(limit int, match func(*models.BookingRecord) bool) []*models.BookingRecord {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.BookingRecord
	for _, b := range m.s.bookings {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ============================================================================
// COUPONS
// ============================================================================

// MemoryCouponStore implements the coupon store over MemoryStore
type MemoryCouponStore struct{ s *MemoryStore }

// GetByCode retrieves a coupon by its normalized code
func (m *MemoryCouponStore) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if c, ok := m.s.coupons[code]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, nil
}

// Create inserts a new coupon
func (m *MemoryCouponStore) Create(ctx context.Context, c *models.Coupon) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, exists := m.s.coupons[c.Code]; exists {
		return fmt.Errorf("coupon %s already exists", c.Code)
	}
	copied := *c
	m.s.coupons[c.Code] = &copied
	return nil
}

// Update writes the editable coupon fields, keeping the usage counter
func (m *MemoryCouponStore) Update(ctx context.Context, c *models.Coupon) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	current, ok := m.s.coupons[c.Code]
	if !ok || current.ID != c.ID {
		return models.ErrCouponNotFound
	}
	copied := *c
	copied.UsageCount = current.UsageCount
	m.s.coupons[c.Code] = &copied
	return nil
}

// Delete removes a coupon without redemptions
func (m *MemoryCouponStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	for _, r := range m.s.redemptions {
		if r.CouponID == id {
			return &models.ConflictError{Message: "coupon has redemptions or no longer exists"}
		}
	}
	for code, c := range m.s.coupons {
		if c.ID == id {
			delete(m.s.coupons, code)
			return nil
		}
	}
	return &models.ConflictError{Message: "coupon has redemptions or no longer exists"}
}

// CountUserRedemptions counts a user's redemptions that were not reversed
func (m *MemoryCouponStore) CountUserRedemptions(ctx context.Context, couponID uuid.UUID, userID string) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.netUserRedemptions(couponID, userID), nil
}

// CountRedemptions counts every redemption ever recorded for a coupon
func (m *MemoryCouponStore) CountRedemptions(ctx context.Context, couponID uuid.UUID) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	count := 0
	for _, r := range m.s.redemptions {
		if r.CouponID == couponID && r.Kind == models.RedemptionApplied {
			count++
		}
	}
	return count, nil
}

// ReverseRedemptions appends reversals once per booking and coupon
func (m *MemoryCouponStore) ReverseRedemptions(ctx context.Context, bookingID uuid.UUID) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	reversed := make(map[uuid.UUID]bool)
	var applied []models.CouponRedemption
	for _, r := range m.s.redemptions {
		if r.BookingID != bookingID {
			continue
		}
		if r.Kind == models.RedemptionReversed {
			reversed[r.CouponID] = true
		} else {
			applied = append(applied, r)
		}
	}

	count := 0
	for _, r := range applied {
		if reversed[r.CouponID] {
			continue
		}
		m.s.redemptions = append(m.s.redemptions, models.CouponRedemption{
			ID:             uuid.New(),
			CouponID:       r.CouponID,
			UserID:         r.UserID,
			BookingID:      r.BookingID,
			DiscountAmount: r.DiscountAmount,
			Kind:           models.RedemptionReversed,
			AppliedAt:      time.Now(),
		})
		if c := m.s.couponByID(r.CouponID); c != nil && c.UsageCount > 0 {
			c.UsageCount--
		}
		count++
	}
	return count, nil
}

// ============================================================================
// PAYMENT EVENTS
// ============================================================================

// MemoryPaymentEventStore implements the payment event store over MemoryStore
type MemoryPaymentEventStore struct{ s *MemoryStore }

func eventKey(bookingID uuid.UUID, providerEventID string) string {
	return bookingID.String() + "|" + providerEventID
}

// Exists reports whether the event was already recorded for the booking
func (m *MemoryPaymentEventStore) Exists(ctx context.Context, bookingID uuid.UUID, providerEventID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	_, ok := m.s.events[eventKey(bookingID, providerEventID)]
	return ok, nil
}

// Record stores the event; the first record of a pair wins
func (m *MemoryPaymentEventStore) Record(ctx context.Context, e *models.PaymentEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	key := eventKey(e.BookingID, e.ProviderEventID)
	if _, ok := m.s.events[key]; ok {
		return nil
	}
	copied := *e
	m.s.events[key] = &copied
	m.s.eventOrder = append(m.s.eventOrder, key)
	return nil
}

// ListByBooking returns a booking's events in arrival order
func (m *MemoryPaymentEventStore) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentEvent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	var out []*models.PaymentEvent
	for _, key := range m.s.eventOrder {
		if e := m.s.events[key]; e.BookingID == bookingID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}
