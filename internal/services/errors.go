package services

import (
	"errors"
	"fmt"

	"github.com/ticketbooth/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates the checkout request failed validation.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the referenced order, ticket or workshop does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrTicketUnavailable indicates a ticket or workshop cannot accommodate the request.
	ErrTicketUnavailable = errors.New("order: unavailable")
	// ErrCouponInvalid indicates the coupon is unknown, expired, exhausted or not applicable.
	ErrCouponInvalid = errors.New("order: invalid coupon")
	// ErrOrderAlreadyProcessed indicates the order already left the settleable states.
	ErrOrderAlreadyProcessed = errors.New("order: already processed")
	// ErrPaymentGateway indicates the payment provider failed to create a session.
	ErrPaymentGateway = errors.New("order: payment gateway error")
	// ErrInvoiceDeliveryFailed indicates the invoice email could not be sent. Payment state is kept.
	ErrInvoiceDeliveryFailed = errors.New("order: invoice delivery failed")
	// ErrInvoiceNotReady indicates no archived invoice exists for the order yet.
	ErrInvoiceNotReady = errors.New("order: invoice not ready")
	// ErrRaffleEmpty indicates there are no participants to draw from.
	ErrRaffleEmpty = errors.New("order: no raffle participants")
	// ErrOrderConflict indicates a concurrent write won the race.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrServiceUnavailable indicates the backing store is unreachable.
	ErrServiceUnavailable = errors.New("order: service unavailable")
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := repositories.ConstraintCodeOf(err); ok {
		switch code {
		case repositories.ConstraintNotFound:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, err.Error())
		case repositories.ConstraintCapacityExceeded:
			return fmt.Errorf("%w: %s", ErrTicketUnavailable, err.Error())
		case repositories.ConstraintUsageExhausted:
			return fmt.Errorf("%w: %s", ErrCouponInvalid, err.Error())
		case repositories.ConstraintStatusMismatch:
			return fmt.Errorf("%w: %s", ErrOrderAlreadyProcessed, err.Error())
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrOrderNotFound, repoErr.Error())
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s", ErrOrderConflict, repoErr.Error())
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, repoErr.Error())
		}
	}
	return fmt.Errorf("order: repository error: %w", err)
}

func isNotFound(err error) bool {
	if code, ok := repositories.ConstraintCodeOf(err); ok {
		return code == repositories.ConstraintNotFound
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
