package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ticketbooth/api/internal/domain"
	pfirestore "github.com/ticketbooth/api/internal/platform/firestore"
	"github.com/ticketbooth/api/internal/repositories"
)

// TicketRepository stores admission products in the tickets collection.
type TicketRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.TicketRepository = (*TicketRepository)(nil)

func NewTicketRepository(provider *pfirestore.Provider) (*TicketRepository, error) {
	if provider == nil {
		return nil, fmt.Errorf("ticket repository: %w", errNotInitialised)
	}
	return &TicketRepository{provider: provider}, nil
}

func (r *TicketRepository) ref(ctx context.Context, ticketID string) (*firestore.DocumentRef, error) {
	c, err := client(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	return c.Collection(ticketsCollection).Doc(ticketID), nil
}

func (r *TicketRepository) FindByID(ctx context.Context, ticketID string) (domain.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return domain.Ticket{}, repositories.NewConstraintError(repositories.ConstraintNotFound, "ticket id is required", nil)
	}
	ref, err := r.ref(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return domain.Ticket{}, repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("ticket %s not found", ticketID), err)
		}
		return domain.Ticket{}, wrap("tickets.get", err)
	}
	return decodeTicket(snap)
}

// IncrementBookCount reads and writes the counter inside one transaction so concurrent
// settlements serialise on the ticket document.
func (r *TicketRepository) IncrementBookCount(ctx context.Context, ticketID string, qty int64, now time.Time) (domain.Ticket, error) {
	if qty <= 0 {
		return domain.Ticket{}, fmt.Errorf("tickets.increment: quantity must be positive")
	}
	ref, err := r.ref(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}

	var updated domain.Ticket
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFoundCode(err) {
				return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("ticket %s not found", ticketID), err)
			}
			return err
		}
		ticket, err := decodeTicket(snap)
		if err != nil {
			return err
		}
		if ticket.BookCount+qty > ticket.Limit {
			return repositories.NewConstraintError(repositories.ConstraintCapacityExceeded,
				fmt.Sprintf("ticket %s has %d of %d seats booked", ticketID, ticket.BookCount, ticket.Limit), nil)
		}
		ticket.BookCount += qty
		ticket.UpdatedAt = now.UTC()
		updated = ticket
		return tx.Update(ref, []firestore.Update{
			{Path: "bookCount", Value: firestore.Increment(qty)},
			{Path: "updatedAt", Value: ticket.UpdatedAt},
		})
	})
	if err != nil {
		return domain.Ticket{}, wrap("tickets.increment", err)
	}
	return updated, nil
}

func (r *TicketRepository) MarkUnavailable(ctx context.Context, ticketID string, now time.Time) error {
	ref, err := r.ref(ctx, ticketID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "isAvailable", Value: false},
		{Path: "updatedAt", Value: now.UTC()},
	})
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("ticket %s not found", ticketID), err)
		}
		return wrap("tickets.mark_unavailable", err)
	}
	return nil
}

type ticketDocument struct {
	Title       string    `firestore:"title"`
	Description string    `firestore:"description"`
	Price       string    `firestore:"price"`
	TicketType  string    `firestore:"ticketType"`
	Limit       int64     `firestore:"limit"`
	BookCount   int64     `firestore:"bookCount"`
	ExpiryDate  time.Time `firestore:"expiryDate"`
	IsAvailable bool      `firestore:"isAvailable"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func newTicketDocument(t domain.Ticket) ticketDocument {
	return ticketDocument{
		Title:       t.Title,
		Description: t.Description,
		Price:       moneyString(t.Price),
		TicketType:  t.TicketType,
		Limit:       t.Limit,
		BookCount:   t.BookCount,
		ExpiryDate:  t.ExpiryDate.UTC(),
		IsAvailable: t.IsAvailable,
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
	}
}

func decodeTicket(snap *firestore.DocumentSnapshot) (domain.Ticket, error) {
	var doc ticketDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Ticket{}, fmt.Errorf("decode ticket %s: %w", snap.Ref.ID, err)
	}
	price, err := parseMoney("ticket price", doc.Price)
	if err != nil {
		return domain.Ticket{}, err
	}
	return domain.Ticket{
		ID:          snap.Ref.ID,
		Title:       doc.Title,
		Description: doc.Description,
		Price:       price,
		TicketType:  doc.TicketType,
		Limit:       doc.Limit,
		BookCount:   doc.BookCount,
		ExpiryDate:  doc.ExpiryDate.UTC(),
		IsAvailable: doc.IsAvailable,
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}, nil
}
