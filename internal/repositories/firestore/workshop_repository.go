package firestore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/ticketbooth/api/internal/domain"
	pfirestore "github.com/ticketbooth/api/internal/platform/firestore"
	"github.com/ticketbooth/api/internal/repositories"
)

type WorkshopRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.WorkshopRepository = (*WorkshopRepository)(nil)

func NewWorkshopRepository(provider *pfirestore.Provider) (*WorkshopRepository, error) {
	if provider == nil {
		return nil, fmt.Errorf("workshop repository: %w", errNotInitialised)
	}
	return &WorkshopRepository{provider: provider}, nil
}

// FindByIDs batch-reads the workshops. Missing ids are omitted from the result.
func (r *WorkshopRepository) FindByIDs(ctx context.Context, workshopIDs []string) ([]domain.Workshop, error) {
	c, err := client(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(workshopIDs))
	for _, id := range workshopIDs {
		if id = strings.TrimSpace(id); id != "" {
			refs = append(refs, c.Collection(workshopsCollection).Doc(id))
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}
	snaps, err := c.GetAll(ctx, refs)
	if err != nil {
		return nil, wrap("workshops.get_all", err)
	}
	workshops := make([]domain.Workshop, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc workshopDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode workshop %s: %w", snap.Ref.ID, err)
		}
		workshops = append(workshops, doc.toDomain(snap.Ref.ID))
	}
	return workshops, nil
}

func (r *WorkshopRepository) MarkUnavailable(ctx context.Context, workshopID string) error {
	c, err := client(ctx, r.provider)
	if err != nil {
		return err
	}
	_, err = c.Collection(workshopsCollection).Doc(workshopID).Update(ctx, []firestore.Update{
		{Path: "availability", Value: false},
	})
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("workshop %s not found", workshopID), err)
		}
		return wrap("workshops.mark_unavailable", err)
	}
	return nil
}

type workshopDocument struct {
	Title        string `firestore:"title"`
	Description  string `firestore:"description"`
	Limit        int64  `firestore:"limit"`
	Level        string `firestore:"level"`
	Schedule     string `firestore:"schedule"`
	SessionTime  string `firestore:"sessionTime"`
	Availability bool   `firestore:"availability"`
}

func (d workshopDocument) toDomain(id string) domain.Workshop {
	return domain.Workshop{
		ID:           id,
		Title:        d.Title,
		Description:  d.Description,
		Limit:        d.Limit,
		Level:        d.Level,
		Schedule:     d.Schedule,
		SessionTime:  domain.SessionTime(strings.ToLower(d.SessionTime)),
		Availability: d.Availability,
	}
}

// RaffleRepository reads the participant list used for prize draws.
type RaffleRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.RaffleRepository = (*RaffleRepository)(nil)

func NewRaffleRepository(provider *pfirestore.Provider) (*RaffleRepository, error) {
	if provider == nil {
		return nil, fmt.Errorf("raffle repository: %w", errNotInitialised)
	}
	return &RaffleRepository{provider: provider}, nil
}

func (r *RaffleRepository) List(ctx context.Context) ([]domain.RaffleEntry, error) {
	c, err := client(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	snaps, err := c.Collection(raffleCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, wrap("raffle.list", err)
	}
	entries := make([]domain.RaffleEntry, 0, len(snaps))
	for _, snap := range snaps {
		var doc raffleDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode raffle entry %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, domain.RaffleEntry{
			ID:           snap.Ref.ID,
			Name:         doc.Name,
			Email:        doc.Email,
			Organization: doc.Organization,
			Designation:  doc.Designation,
		})
	}
	return entries, nil
}

type raffleDocument struct {
	Name         string `firestore:"name"`
	Email        string `firestore:"email"`
	Organization string `firestore:"organization"`
	Designation  string `firestore:"designation"`
}
