package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/ticketbooth/api/internal/domain"
	pfirestore "github.com/ticketbooth/api/internal/platform/firestore"
	"github.com/ticketbooth/api/internal/repositories"
)

// CouponRepository stores discount codes in the coupons collection. Codes are unique by
// convention; FindByCode returns the first match.
type CouponRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, fmt.Errorf("coupon repository: %w", errNotInitialised)
	}
	return &CouponRepository{provider: provider}, nil
}

func (r *CouponRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	c, err := client(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	return c.Collection(couponsCollection), nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = strings.TrimSpace(code)
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Coupon{}, err
	}
	iter := coll.Where("code", "==", code).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if err == iterator.Done {
		return domain.Coupon{}, repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("coupon %s not found", code), nil)
	}
	if err != nil {
		return domain.Coupon{}, wrap("coupons.find_by_code", err)
	}
	return decodeCoupon(snap)
}

func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Coupon{}, err
	}
	snap, err := coll.Doc(couponID).Get(ctx)
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return domain.Coupon{}, repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("coupon %s not found", couponID), err)
		}
		return domain.Coupon{}, wrap("coupons.get", err)
	}
	return decodeCoupon(snap)
}

func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string, qty int64, now time.Time) (domain.Coupon, error) {
	if qty <= 0 {
		return domain.Coupon{}, fmt.Errorf("coupons.increment: quantity must be positive")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Coupon{}, err
	}
	ref := coll.Doc(couponID)

	var updated domain.Coupon
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFoundCode(err) {
				return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("coupon %s not found", couponID), err)
			}
			return err
		}
		coupon, err := decodeCoupon(snap)
		if err != nil {
			return err
		}
		if coupon.UsageCount+qty > coupon.Limit {
			return repositories.NewConstraintError(repositories.ConstraintUsageExhausted,
				fmt.Sprintf("coupon %s used %d of %d times", couponID, coupon.UsageCount, coupon.Limit), nil)
		}
		coupon.UsageCount += qty
		coupon.UpdatedAt = now.UTC()
		updated = coupon
		return tx.Update(ref, []firestore.Update{
			{Path: "usageCount", Value: firestore.Increment(qty)},
			{Path: "updatedAt", Value: coupon.UpdatedAt},
		})
	})
	if err != nil {
		return domain.Coupon{}, wrap("coupons.increment", err)
	}
	return updated, nil
}

func (r *CouponRepository) MarkUnavailable(ctx context.Context, couponID string, now time.Time) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Doc(couponID).Update(ctx, []firestore.Update{
		{Path: "isAvailable", Value: false},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("coupon %s not found", couponID), err)
		}
		return wrap("coupons.mark_unavailable", err)
	}
	return nil
}

type couponDocument struct {
	Code               string    `firestore:"code"`
	DiscountPercentage string    `firestore:"discountPercentage"`
	Limit              int64     `firestore:"limit"`
	UsageCount         int64     `firestore:"usageCount"`
	Products           []string  `firestore:"products"`
	Description        string    `firestore:"description"`
	ExpiryDate         time.Time `firestore:"expiryDate"`
	IsAvailable        bool      `firestore:"isAvailable"`
	CreatedAt          time.Time `firestore:"createdAt"`
	UpdatedAt          time.Time `firestore:"updatedAt"`
}

func newCouponDocument(c domain.Coupon) couponDocument {
	return couponDocument{
		Code:               c.Code,
		DiscountPercentage: moneyString(c.DiscountPercentage),
		Limit:              c.Limit,
		UsageCount:         c.UsageCount,
		Products:           c.Products,
		Description:        c.Description,
		ExpiryDate:         c.ExpiryDate.UTC(),
		IsAvailable:        c.IsAvailable,
		CreatedAt:          c.CreatedAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}
}

func decodeCoupon(snap *firestore.DocumentSnapshot) (domain.Coupon, error) {
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
	}
	pct, err := parseMoney("coupon discount", doc.DiscountPercentage)
	if err != nil {
		return domain.Coupon{}, err
	}
	return domain.Coupon{
		ID:                 snap.Ref.ID,
		Code:               doc.Code,
		DiscountPercentage: pct,
		Limit:              doc.Limit,
		UsageCount:         doc.UsageCount,
		Products:           doc.Products,
		Description:        doc.Description,
		ExpiryDate:         doc.ExpiryDate.UTC(),
		IsAvailable:        doc.IsAvailable,
		CreatedAt:          doc.CreatedAt.UTC(),
		UpdatedAt:          doc.UpdatedAt.UTC(),
	}, nil
}
