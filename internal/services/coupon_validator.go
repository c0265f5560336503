package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/repositories"
)

// CouponTerms is the discount a valid coupon grants on one product.
type CouponTerms struct {
	CouponID           string
	Code               string
	DiscountPercentage decimal.Decimal
}

// CouponVerdict is the validator outcome. Latch is set when the coupon must be flipped unavailable.
type CouponVerdict struct {
	Terms CouponTerms
	Latch *AvailabilityLatch
}

// CouponValidator resolves a coupon code against one product without mutating it.
type CouponValidator struct {
	coupons repositories.CouponRepository
}

// NewCouponValidator constructs a validator over the coupon repository.
func NewCouponValidator(coupons repositories.CouponRepository) (*CouponValidator, error) {
	if coupons == nil {
		return nil, errors.New("coupon validator: coupon repository is required")
	}
	return &CouponValidator{coupons: coupons}, nil
}

// Validate checks availability, expiry, product eligibility and the usage cap.
// A rejection returns ErrCouponInvalid and, for an existing coupon, the latch the caller should apply.
func (v *CouponValidator) Validate(ctx context.Context, code, ticketID string, now time.Time) (CouponVerdict, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return CouponVerdict{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalid)
	}

	coupon, err := v.coupons.FindByCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return CouponVerdict{}, fmt.Errorf("%w: %s is an invalid coupon", ErrCouponInvalid, code)
		}
		return CouponVerdict{}, mapRepositoryError(err)
	}

	if reason := couponRejection(coupon, ticketID, now); reason != "" {
		return CouponVerdict{
			Latch: &AvailabilityLatch{Kind: domain.LatchCoupon, ID: coupon.ID, Reason: reason},
		}, fmt.Errorf("%w: %s is an invalid coupon or expired", ErrCouponInvalid, code)
	}

	return CouponVerdict{
		Terms: CouponTerms{
			CouponID:           coupon.ID,
			Code:               coupon.Code,
			DiscountPercentage: coupon.DiscountPercentage,
		},
	}, nil
}

func couponRejection(coupon Coupon, ticketID string, now time.Time) string {
	switch {
	case !coupon.IsAvailable:
		return "unavailable"
	case !coupon.ExpiryDate.IsZero() && !now.Before(coupon.ExpiryDate):
		return "expired"
	case !coupon.AppliesTo(ticketID):
		return "not_applicable"
	case coupon.UsageCount >= coupon.Limit:
		return "usage_exhausted"
	default:
		return ""
	}
}
