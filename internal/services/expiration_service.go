package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/models"
)

// SweepStats summarizes one expiration cycle
type SweepStats struct {
	Candidates    int `json:"candidates"`
	Expired       int `json:"expired"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	HoldsReleased int `json:"holds_released"`
	// Bookings whose coupon usage was given back after an earlier failed reversal
	CouponsReversed int `json:"coupons_reversed"`
}

// ExpirationService expires unpaid bookings past their hold window and
// repeats hold releases and coupon reversals that did not complete
type ExpirationService struct {
	bookingSvc *BookingService
	bookings   BookingStore
	effects    EffectExecutor
	cfg        *config.SweepConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewExpirationService creates a new expiration service
func NewExpirationService(
	bookingSvc *BookingService,
	bookings BookingStore,
	effects EffectExecutor,
	cfg *config.SweepConfig,
	logger *logrus.Logger,
) *ExpirationService {
	return &ExpirationService{
		bookingSvc: bookingSvc,
		bookings:   bookings,
		effects:    effects,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// RunOnce runs a single expiration cycle
func (s *ExpirationService) RunOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	now := s.now()

	// 1. Expire unpaid bookings past their deadline
	expired, err := s.bookings.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list expired bookings")
	} else {
		stats.Candidates = len(expired)
		for _, b := range expired {
			if ctx.Err() != nil {
				return stats
			}
			ok, err := s.bookingSvc.ExpireBooking(ctx, b.ID)
			switch {
			case err != nil:
				stats.Failed++
				s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to expire booking")
			case ok:
				stats.Expired++
			default:
				// A payment committed before the sweep reached it
				stats.Skipped++
			}
		}
	}

	// 2. Release holds of finished bookings whose release did not complete
	orphans, err := s.bookings.ListUnreleasedHolds(ctx, now.Add(-s.cfg.OrphanHoldGrace), s.cfg.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list unreleased holds")
	} else {
		for _, b := range orphans {
			if ctx.Err() != nil {
				return stats
			}
			if !b.HasHold() {
				continue
			}
			err := s.effects.Dispatch(ctx, []models.Effect{{
				Kind:      models.EffectReleaseCapacity,
				BookingID: b.ID,
				HoldID:    *b.CapacityHoldID,
			}})
			if err != nil {
				s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to release orphan hold")
				continue
			}
			stats.HoldsReleased++
		}
		if stats.HoldsReleased > 0 {
			s.logger.WithField("count", stats.HoldsReleased).Warn("Released orphan capacity holds")
		}
	}

	// 3. Give back coupon usage of unpaid bookings whose reversal did not complete
	unreversed, err := s.bookings.ListUnreversedCoupons(ctx, now.Add(-s.cfg.OrphanHoldGrace), s.cfg.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list unreversed coupon redemptions")
	} else {
		for _, b := range unreversed {
			if ctx.Err() != nil {
				return stats
			}
			err := s.effects.Dispatch(ctx, []models.Effect{{
				Kind:      models.EffectReverseCoupons,
				BookingID: b.ID,
				UserID:    b.Customer.UserID,
			}})
			if err != nil {
				s.logger.WithError(err).WithField("booking_id", b.ID).Error("Failed to reverse coupon redemptions")
				continue
			}
			stats.CouponsReversed++
		}
		if stats.CouponsReversed > 0 {
			s.logger.WithField("count", stats.CouponsReversed).Warn("Reversed leftover coupon redemptions")
		}
	}

	if stats.Candidates > 0 || stats.HoldsReleased > 0 || stats.CouponsReversed > 0 {
		s.logger.WithFields(logrus.Fields{
			"candidates":       stats.Candidates,
			"expired":          stats.Expired,
			"skipped":          stats.Skipped,
			"failed":           stats.Failed,
			"holds_released":   stats.HoldsReleased,
			"coupons_reversed": stats.CouponsReversed,
		}).Info("Expiration sweep finished")
	}
	return stats
}
