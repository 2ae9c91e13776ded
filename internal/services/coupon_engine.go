package services

import (
	"github.com/reservahub/booking-engine/internal/models"
)

// PresentedCoupon is one code offered on a booking, with what the store knows about it.
// Coupon is nil when the code does not exist.
type PresentedCoupon struct {
	Code   string
	Coupon *models.Coupon
}

// CouponResolution is the outcome of applying a set of coupons to one order
type CouponResolution struct {
	Applied        models.AppliedCoupons
	Outcomes       []models.CouponOutcome
	DiscountAmount int64
	FinalAmount    int64
}

// Rejected returns the outcomes of the codes that were not counted
func (r *CouponResolution) Rejected() []models.CouponOutcome {
	var out []models.CouponOutcome
	for _, o := range r.Outcomes {
		if !o.Applied {
			out = append(out, o)
		}
	}
	return out
}

// ValidateCoupon checks a coupon's eligibility for an order.
// Checks run in a fixed order and the first failure wins.
func ValidateCoupon(c *models.Coupon, ctx models.EligibilityContext) models.Eligibility {
	if !models.IsValidCouponCode(c.Code) {
		return ineligible(models.ReasonInvalidCode)
	}
	if !c.IsActive {
		return ineligible(models.ReasonInactive)
	}

	if ctx.Now.Before(c.ValidFrom) {
		return ineligible(models.ReasonNotYetValid)
	}
	if ctx.Now.After(c.ValidUntil) {
		return ineligible(models.ReasonExpired)
	}

	switch c.Type {
	case models.CouponPrivate:
		if ctx.UserID == "" || !c.AllowedUsers.Contains(ctx.UserID) {
			return ineligible(models.ReasonNotAllowedUser)
		}
	case models.CouponFirstPurchase:
		if ctx.HasPriorPurchase == nil || *ctx.HasPriorPurchase {
			return ineligible(models.ReasonNotFirstPurchase)
		}
	case models.CouponReturningCustomer:
		if ctx.HasPriorPurchase == nil || !*ctx.HasPriorPurchase {
			return ineligible(models.ReasonNotReturningCustomer)
		}
	}

	// Live validation may omit the asset
	if ctx.AssetType != "" && !c.AppliesTo(ctx.AssetType, ctx.AssetID) {
		return ineligible(models.ReasonAssetNotApplicable)
	}

	if c.MinimumOrderValue != nil && ctx.OrderValue < *c.MinimumOrderValue {
		return ineligible(models.ReasonBelowMinimumOrder)
	}
	if c.MaximumOrderValue != nil && ctx.OrderValue > *c.MaximumOrderValue {
		return ineligible(models.ReasonAboveMaximumOrder)
	}

	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return ineligible(models.ReasonUsageLimitReached)
	}
	if c.UserUsageLimit != nil && ctx.UserID != "" && ctx.UserUsageCount >= *c.UserUsageLimit {
		return ineligible(models.ReasonUserLimitReached)
	}

	return models.Eligibility{Eligible: true}
}

func ineligible(reason string) models.Eligibility {
	return models.Eligibility{Eligible: false, Reason: reason}
}

// ComputeDiscount returns the discount a coupon gives on orderValue.
// The result is never negative and never exceeds orderValue.
func ComputeDiscount(c *models.Coupon, orderValue int64) int64 {
	if orderValue <= 0 {
		return 0
	}

	var amount int64
	switch c.DiscountType {
	case models.DiscountPercentage:
		// round half up on minor units
		amount = (orderValue*c.DiscountValue + 50) / 100
		if c.MaxDiscountAmount != nil && amount > *c.MaxDiscountAmount {
			amount = *c.MaxDiscountAmount
		}
	case models.DiscountFixedAmount:
		amount = c.DiscountValue
	}

	if amount < 0 {
		return 0
	}
	if amount > orderValue {
		return orderValue
	}
	return amount
}

// ResolveCoupons validates every presented coupon and picks the ones that count.
//
// Each discount is computed on the original order value. When two or more
// coupons are valid and at least one of them is non-stackable, only the single
// coupon with the largest discount is kept, stackable or not (ties go to the
// one presented first), and the others are rejected with non_stackable_conflict.
// Otherwise the discounts are summed and clamped to the order value.
//
// userUsage maps coupon IDs to the customer's prior redemptions.
func ResolveCoupons(presented []PresentedCoupon, ctx models.EligibilityContext, userUsage map[string]int) *CouponResolution {
	res := &CouponResolution{Outcomes: make([]models.CouponOutcome, len(presented))}

	type candidate struct {
		index    int
		coupon   *models.Coupon
		discount int64
	}
	var valid []candidate
	seen := make(map[string]bool, len(presented))

	for i, p := range presented {
		code := models.NormalizeCouponCode(p.Code)
		res.Outcomes[i] = models.CouponOutcome{Code: code}

		switch {
		case !models.IsValidCouponCode(code):
			res.Outcomes[i].Reason = models.ReasonInvalidCode
			continue
		case seen[code]:
			res.Outcomes[i].Reason = models.ReasonDuplicateCode
			continue
		case p.Coupon == nil:
			seen[code] = true
			res.Outcomes[i].Reason = models.ReasonNotFound
			continue
		}
		seen[code] = true

		cctx := ctx
		cctx.UserUsageCount = userUsage[p.Coupon.ID.String()]
		if e := ValidateCoupon(p.Coupon, cctx); !e.Eligible {
			res.Outcomes[i].Reason = e.Reason
			continue
		}

		valid = append(valid, candidate{index: i, coupon: p.Coupon, discount: ComputeDiscount(p.Coupon, ctx.OrderValue)})
	}

	hasNonStackable := false
	for _, v := range valid {
		if !v.coupon.Stackable {
			hasNonStackable = true
			break
		}
	}

	kept := valid
	if len(valid) > 1 && hasNonStackable {
		best := -1
		for j, v := range valid {
			if best == -1 || v.discount > valid[best].discount {
				best = j
			}
		}
		for j, v := range valid {
			if j != best {
				res.Outcomes[v.index].Reason = models.ReasonNonStackableConflict
			}
		}
		kept = []candidate{valid[best]}
	}

	remaining := ctx.OrderValue
	if remaining < 0 {
		remaining = 0
	}
	for _, v := range kept {
		// Clamp the running total to the order value; later coupons absorb the excess
		amount := v.discount
		if amount > remaining {
			amount = remaining
		}
		remaining -= amount

		res.DiscountAmount += amount
		res.Applied = append(res.Applied, v.coupon.Snapshot(amount))
		res.Outcomes[v.index].Applied = true
		res.Outcomes[v.index].DiscountAmount = amount
	}

	res.FinalAmount = ctx.OrderValue - res.DiscountAmount
	if res.FinalAmount < 0 {
		res.FinalAmount = 0
	}
	return res
}
