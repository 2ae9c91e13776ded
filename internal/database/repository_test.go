package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservahub/booking-engine/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

// ============================================================================
// CAPACITY
// ============================================================================

func TestCapacityRepository_Reserve(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCapacityRepository(db, 10)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO capacity_slots`).
			WithArgs("kayak-tour", "2026-06-01T09:00", 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`UPDATE capacity_slots`).
			WithArgs("kayak-tour", "2026-06-01T09:00", 3).
			WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(3))
		mock.ExpectExec(`INSERT INTO capacity_holds`).
			WithArgs(sqlmock.AnyArg(), "kayak-tour", "2026-06-01T09:00", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		holdID, err := repo.Reserve(context.Background(), "kayak-tour", "2026-06-01T09:00", 3)
		require.NoError(t, err)
		_, err = uuid.Parse(holdID)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Exceeded", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCapacityRepository(db, 10)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO capacity_slots`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`UPDATE capacity_slots`).WillReturnRows(sqlmock.NewRows([]string{"reserved"}))
		mock.ExpectRollback()

		_, err := repo.Reserve(context.Background(), "kayak-tour", "slot", 11)
		var ce *models.CapacityExceededError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 11, ce.Requested)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Non-positive quantity", func(t *testing.T) {
		db, mock := newMockDB(t)
		_, err := NewCapacityRepository(db, 10).Reserve(context.Background(), "kayak-tour", "slot", 0)
		var ve *models.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCapacityRepository_Release(t *testing.T) {
	t.Run("Returns units", func(t *testing.T) {
		db, mock := newMockDB(t)
		holdID := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE capacity_holds`).
			WithArgs(holdID).
			WillReturnRows(sqlmock.NewRows([]string{"asset_id", "slot", "quantity"}).AddRow("kayak-tour", "slot", 3))
		mock.ExpectExec(`UPDATE capacity_slots`).
			WithArgs("kayak-tour", "slot", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, NewCapacityRepository(db, 10).Release(context.Background(), holdID.String()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Already released", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE capacity_holds`).
			WillReturnRows(sqlmock.NewRows([]string{"asset_id", "slot", "quantity"}))
		mock.ExpectRollback()

		require.NoError(t, NewCapacityRepository(db, 10).Release(context.Background(), uuid.NewString()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Foreign hold id", func(t *testing.T) {
		db, mock := newMockDB(t)
		require.NoError(t, NewCapacityRepository(db, 10).Release(context.Background(), "redis:abc"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCapacityRepository_SetCapacity(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCapacityRepository(db, 10)

	mock.ExpectExec(`(?s)INSERT INTO capacity_slots .* ON CONFLICT`).
		WithArgs("kayak-tour", "slot", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetCapacity(context.Background(), "kayak-tour", "slot", 4))

	var ve *models.ValidationError
	require.ErrorAs(t, repo.SetCapacity(context.Background(), "kayak-tour", "slot", -1), &ve)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// BOOKINGS
// ============================================================================

func TestBookingRepository_Update(t *testing.T) {
	booking := func() *models.BookingRecord {
		return &models.BookingRecord{
			ID:            uuid.New(),
			Status:        models.StatusPaymentPending,
			PaymentStatus: models.PaymentPending,
			Version:       3,
		}
	}

	t.Run("Bumps version", func(t *testing.T) {
		db, mock := newMockDB(t)
		b := booking()
		now := time.Now()

		mock.ExpectQuery(`UPDATE bookings`).
			WithArgs(b.ID, 3, b.Status, b.PaymentStatus,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(4, now))

		require.NoError(t, NewBookingRepository(db).Update(context.Background(), b))
		assert.Equal(t, 4, b.Version)
		assert.Equal(t, now, b.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Stale version", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`UPDATE bookings`).WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))

		err := NewBookingRepository(db).Update(context.Background(), booking())
		assert.ErrorIs(t, err, models.ErrVersionConflict)
		assert.True(t, models.IsRetryableConflict(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_Lookups(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	id := uuid.New()

	mock.ExpectQuery(`(?s)SELECT .* FROM bookings WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	b, err := repo.GetByReference(context.Background(), id.String())
	require.NoError(t, err)
	assert.Nil(t, b)

	mock.ExpectQuery(`WHERE confirmation_code = \$1 OR preference_id = \$1`).
		WithArgs("BK-7K3M9QX2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	b, err = repo.GetByReference(context.Background(), "BK-7K3M9QX2")
	require.NoError(t, err)
	assert.Nil(t, b)

	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	count, err := repo.CountPaidByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepository_ListUnreversedCoupons(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	cutoff := time.Now().Add(-2 * time.Minute)

	mock.ExpectQuery(`(?s)FROM bookings b.*payment_status NOT IN.*kind = 'redemption'.*kind = 'reversal'.*LIMIT \$2`).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	bookings, err := repo.ListUnreversedCoupons(context.Background(), cutoff, 50)
	require.NoError(t, err)
	assert.Empty(t, bookings)

	mock.ExpectQuery(`FROM bookings b`).WillReturnError(errors.New("connection reset"))
	_, err = repo.ListUnreversedCoupons(context.Background(), cutoff, 50)
	assert.ErrorContains(t, err, "failed to list unreversed coupon redemptions")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepository_CreateWithRedemptions(t *testing.T) {
	redemption := func() *models.CouponRedemption {
		return &models.CouponRedemption{
			ID:             uuid.New(),
			CouponID:       uuid.New(),
			UserID:         "user-1",
			BookingID:      uuid.New(),
			DiscountAmount: 100,
			Kind:           models.RedemptionApplied,
			AppliedAt:      time.Now(),
		}
	}

	t.Run("Usage limit reached", func(t *testing.T) {
		db, mock := newMockDB(t)
		red := redemption()

		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
			WithArgs(red.CouponID.String(), "user-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`UPDATE coupons`).
			WithArgs(red.CouponID).
			WillReturnRows(sqlmock.NewRows([]string{"user_usage_limit"}))
		mock.ExpectRollback()

		err := NewBookingRepository(db).CreateWithRedemptions(context.Background(), &models.BookingRecord{ID: red.BookingID}, []*models.CouponRedemption{red})
		var ve *models.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, models.ReasonUsageLimitReached, ve.Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("User limit reached", func(t *testing.T) {
		db, mock := newMockDB(t)
		red := redemption()

		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`UPDATE coupons`).
			WillReturnRows(sqlmock.NewRows([]string{"user_usage_limit"}).AddRow(1))
		mock.ExpectQuery(`FROM coupon_redemptions`).
			WithArgs(red.CouponID, "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()

		err := NewBookingRepository(db).CreateWithRedemptions(context.Background(), &models.BookingRecord{ID: red.BookingID}, []*models.CouponRedemption{red})
		var ve *models.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, models.ReasonUserLimitReached, ve.Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// ============================================================================
// COUPONS
// ============================================================================

func TestCouponRepository_ReverseRedemptions(t *testing.T) {
	bookingID := uuid.New()
	couponID := uuid.New()
	redemptionRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "coupon_id", "user_id", "booking_id", "discount_amount", "kind", "applied_at"}).
			AddRow(uuid.NewString(), couponID.String(), "user-1", bookingID.String(), 100, "redemption", time.Now())
	}

	t.Run("Gives usage back", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .* FROM coupon_redemptions`).WithArgs(bookingID).WillReturnRows(redemptionRows())
		mock.ExpectExec(`(?s)INSERT INTO coupon_redemptions .* ON CONFLICT`).
			WithArgs(sqlmock.AnyArg(), couponID, "user-1", bookingID, int64(100)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE coupons`).WithArgs(couponID).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		reversed, err := NewCouponRepository(db).ReverseRedemptions(context.Background(), bookingID)
		require.NoError(t, err)
		assert.Equal(t, 1, reversed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Repeat is a no-op", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .* FROM coupon_redemptions`).WillReturnRows(redemptionRows())
		mock.ExpectExec(`INSERT INTO coupon_redemptions`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		reversed, err := NewCouponRepository(db).ReverseRedemptions(context.Background(), bookingID)
		require.NoError(t, err)
		assert.Zero(t, reversed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Unreadable insert result rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`(?s)SELECT .* FROM coupon_redemptions`).WillReturnRows(redemptionRows())
		mock.ExpectExec(`INSERT INTO coupon_redemptions`).WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost result")))
		mock.ExpectRollback()

		_, err := NewCouponRepository(db).ReverseRedemptions(context.Background(), bookingID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "driver lost result")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCouponRepository_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCouponRepository(db)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM coupons`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	var ce *models.ConflictError
	require.ErrorAs(t, repo.Delete(context.Background(), id), &ce)

	mock.ExpectExec(`DELETE FROM coupons`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), id))

	mock.ExpectExec(`DELETE FROM coupons`).WithArgs(id).WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost result")))
	assert.ErrorContains(t, repo.Delete(context.Background(), id), "failed to check coupon delete")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCouponRepository_GetByCodeMissing(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`FROM coupons WHERE code = \$1`).
		WithArgs("GHOST").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	c, err := NewCouponRepository(db).GetByCode(context.Background(), "GHOST")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// PAYMENT EVENTS
// ============================================================================

func TestPaymentEventRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPaymentEventRepository(db)
	bookingID := uuid.New()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(bookingID, "evt_123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	seen, err := repo.Exists(context.Background(), bookingID, "evt_123")
	require.NoError(t, err)
	assert.True(t, seen)

	event := models.NewPaymentEvent(&models.PaymentNotification{
		ProviderEventID:  "evt_124",
		BookingReference: bookingID.String(),
		Status:           "approved",
		Amount:           500,
	}, bookingID)
	mock.ExpectExec(`(?s)INSERT INTO payment_events .* ON CONFLICT \(booking_id, provider_event_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Record(context.Background(), event))

	mock.ExpectExec(`INSERT INTO payment_events`).WillReturnError(errors.New("connection reset"))
	assert.Error(t, repo.Record(context.Background(), event))

	assert.NoError(t, mock.ExpectationsWereMet())
}
