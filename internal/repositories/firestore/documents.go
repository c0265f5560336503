package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	pfirestore "github.com/ticketbooth/api/internal/platform/firestore"
	"github.com/ticketbooth/api/internal/repositories"
)

const (
	ticketsCollection   = "tickets"
	couponsCollection   = "coupons"
	workshopsCollection = "workshops"
	ordersCollection    = "orders"
	raffleCollection    = "raffleEntries"

	// Firestore "in" and "array-contains-any" filters accept at most this many values.
	maxInValues = 30
)

var errNotInitialised = errors.New("repository not initialised")

// Money is persisted as a decimal string so stored totals round-trip exactly.
func moneyString(d decimal.Decimal) string {
	return d.String()
}

func parseMoney(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", field, err)
	}
	return d, nil
}

func client(ctx context.Context, provider *pfirestore.Provider) (*firestore.Client, error) {
	if provider == nil {
		return nil, errNotInitialised
	}
	return provider.Client(ctx)
}

func encodeListToken(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

// wrap classifies Firestore failures while letting constraint rejections through untouched.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := repositories.ConstraintCodeOf(err); ok {
		return err
	}
	return pfirestore.WrapError(op, err)
}
