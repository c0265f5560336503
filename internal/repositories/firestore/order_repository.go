package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"

	domain "github.com/ticketbooth/api/internal/domain"
	pfirestore "github.com/ticketbooth/api/internal/platform/firestore"
	"github.com/ticketbooth/api/internal/repositories"
)

// OrderRepository persists checkout aggregates in the orders collection. Line items are embedded;
// ticketIds mirrors them so hold queries can filter with array-contains.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, fmt.Errorf("order repository: %w", errNotInitialised)
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	c, err := client(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	return c.Collection(ordersCollection), nil
}

func orderNotFound(orderID string, err error) error {
	return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("order %s not found", orderID), err)
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("orders.insert: order id is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Doc(order.ID).Create(ctx, newOrderDocument(order))
	return wrap("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, orderNotFound(orderID, nil)
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := coll.Doc(orderID).Get(ctx)
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return domain.Order{}, orderNotFound(orderID, err)
		}
		return domain.Order{}, wrap("orders.get", err)
	}
	return decodeOrder(snap)
}

// Transition runs Apply inside a transaction after checking the stored status. Errors from Apply
// are returned as-is.
func (r *OrderRepository) Transition(ctx context.Context, tr repositories.OrderTransition) (domain.Order, error) {
	if tr.Apply == nil {
		return domain.Order{}, errors.New("orders.transition: apply is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	ref := coll.Doc(tr.OrderID)

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFoundCode(err) {
				return orderNotFound(tr.OrderID, err)
			}
			return err
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if !slices.Contains(tr.Expected, order.Status) {
			return repositories.NewConstraintError(repositories.ConstraintStatusMismatch,
				fmt.Sprintf("order %s is %s", order.ID, order.Status), nil)
		}
		if err := tr.Apply(&order); err != nil {
			return err
		}
		order.ID = tr.OrderID
		order.UpdatedAt = tr.Now.UTC()
		updated = order
		return tx.Set(ref, newOrderDocument(order))
	})
	if err != nil {
		return domain.Order{}, wrap("orders.transition", err)
	}
	return updated, nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	limit := filter.Pagination.PageSize
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	q := statusFilter(coll.Query, filter.Statuses)
	q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		q = q.StartAfter(tokenTime, tokenID)
	}
	if fetchLimit > 0 {
		q = q.Limit(fetchLimit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrap("orders.list", err)
	}

	nextToken := ""
	if limit > 0 && len(snaps) == fetchLimit {
		snaps = snaps[:limit]
		last := snaps[len(snaps)-1]
		order, err := decodeOrder(last)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		nextToken = encodeListToken(order.CreatedAt, last.Ref.ID)
	}

	items := make([]domain.Order, 0, len(snaps))
	for _, snap := range snaps {
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		items = append(items, order)
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: nextToken}, nil
}

func (r *OrderRepository) Each(ctx context.Context, statuses []domain.OrderStatus, fn func(domain.Order) error) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	iter := statusFilter(coll.Query, statuses).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return wrap("orders.each", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if err := fn(order); err != nil {
			return err
		}
	}
}

func (r *OrderRepository) ListExpiredPending(ctx context.Context, now time.Time, after *repositories.ExpiryCursor, limit int) ([]domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	q := coll.Where("status", "==", string(domain.OrderStatusPending)).
		Where("timing", "<=", now.UTC()).
		OrderBy("timing", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if after != nil {
		q = q.StartAfter(after.Timing.UTC(), after.OrderID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, wrap("orders.list_expired", err)
	}
	orders := make([]domain.Order, 0, len(snaps))
	for _, snap := range snaps {
		order, err := decodeOrder(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (r *OrderRepository) DeleteExpiredPending(ctx context.Context, orderID string, now time.Time) error {
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	ref := coll.Doc(orderID)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFoundCode(err) {
				return orderNotFound(orderID, err)
			}
			return err
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending || order.Timing.After(now) {
			return repositories.NewConstraintError(repositories.ConstraintStatusMismatch,
				fmt.Sprintf("order %s is no longer an expired pending order", orderID), nil)
		}
		return tx.Delete(ref)
	})
	return wrap("orders.delete_expired", err)
}

func (r *OrderRepository) CountActiveByWorkshop(ctx context.Context, workshopID string) (int64, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return 0, err
	}
	q := coll.Where("workshopIds", "array-contains", workshopID).
		Where("status", "in", []string{string(domain.OrderStatusPending), string(domain.OrderStatusPaid)})
	result, err := q.NewAggregationQuery().WithCount("active").Get(ctx)
	if err != nil {
		return 0, wrap("orders.count_workshop", err)
	}
	value, ok := result["active"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("orders.count_workshop: unexpected aggregation result %T", result["active"])
	}
	return value.GetIntegerValue(), nil
}

func (r *OrderRepository) SumHeldQuantity(ctx context.Context, ticketID, excludeOrderID string, now time.Time) (int64, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return 0, err
	}
	snaps, err := coll.Where("ticketIds", "array-contains", ticketID).
		Where("status", "==", string(domain.OrderStatusInitiated)).
		Where("timing", ">", now.UTC()).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, wrap("orders.sum_held", err)
	}
	var held int64
	for _, snap := range snaps {
		if snap.Ref.ID == excludeOrderID {
			continue
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return 0, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		for _, item := range doc.Items {
			if item.TicketID == ticketID {
				held += item.Quantity
			}
		}
	}
	return held, nil
}

func statusFilter(q firestore.Query, statuses []domain.OrderStatus) firestore.Query {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		if v := strings.TrimSpace(string(s)); v != "" && !slices.Contains(values, v) {
			values = append(values, v)
		}
	}
	switch {
	case len(values) == 1:
		return q.Where("status", "==", values[0])
	case len(values) > 1:
		if len(values) > maxInValues {
			values = values[:maxInValues]
		}
		return q.Where("status", "in", values)
	default:
		return q
	}
}

type orderDocument struct {
	Name                string              `firestore:"name"`
	Email               string              `firestore:"email"`
	Phone               orderPhoneDocument  `firestore:"phone"`
	Organization        string              `firestore:"organization"`
	Designation         string              `firestore:"designation"`
	StudentID           string              `firestore:"studentId,omitempty"`
	TShirt              string              `firestore:"tshirt,omitempty"`
	Track               string              `firestore:"track"`
	WorkshopIDs         []string            `firestore:"workshopIds"`
	Terms               bool                `firestore:"terms"`
	Items               []orderItemDocument `firestore:"items"`
	TicketIDs           []string            `firestore:"ticketIds"`
	Subtotal            string              `firestore:"subtotal"`
	Discount            string              `firestore:"discount"`
	Tax                 string              `firestore:"tax"`
	ShippingFee         string              `firestore:"shippingFee"`
	Total               string              `firestore:"total"`
	CouponID            *string             `firestore:"couponId"`
	CouponUsageRecorded bool                `firestore:"couponUsageRecorded"`
	Status              string              `firestore:"status"`
	PaymentInfo         map[string]string   `firestore:"paymentInfo,omitempty"`
	Timing              time.Time           `firestore:"timing"`
	Invoice             string              `firestore:"invoice"`
	PaymentURL          string              `firestore:"paymentUrl"`
	CreatedAt           time.Time           `firestore:"createdAt"`
	UpdatedAt           time.Time           `firestore:"updatedAt"`
	PaidAt              *time.Time          `firestore:"paidAt,omitempty"`
}

type orderPhoneDocument struct {
	Number    string `firestore:"number"`
	Promotion bool   `firestore:"promotion"`
}

type orderItemDocument struct {
	TicketID           string `firestore:"ticketId"`
	Title              string `firestore:"title"`
	Price              string `firestore:"price"`
	Quantity           int64  `firestore:"quantity"`
	DiscountPercentage string `firestore:"discountPercentage"`
}

func newOrderDocument(o domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(o.Items))
	var ticketIDs []string
	for _, item := range o.Items {
		items = append(items, orderItemDocument{
			TicketID:           item.TicketID,
			Title:              item.Title,
			Price:              moneyString(item.Price),
			Quantity:           item.Quantity,
			DiscountPercentage: moneyString(item.DiscountPercentage),
		})
		if !slices.Contains(ticketIDs, item.TicketID) {
			ticketIDs = append(ticketIDs, item.TicketID)
		}
	}
	doc := orderDocument{
		Name:                o.Name,
		Email:               o.Email,
		Phone:               orderPhoneDocument{Number: o.Phone.Number, Promotion: o.Phone.Promotion},
		Organization:        o.Organization,
		Designation:         o.Designation,
		StudentID:           o.StudentID,
		TShirt:              string(o.TShirt),
		Track:               string(o.Track),
		WorkshopIDs:         o.WorkshopIDs,
		Terms:               o.Terms,
		Items:               items,
		TicketIDs:           ticketIDs,
		Subtotal:            moneyString(o.Subtotal),
		Discount:            moneyString(o.Discount),
		Tax:                 moneyString(o.Tax),
		ShippingFee:         moneyString(o.ShippingFee),
		Total:               moneyString(o.Total),
		CouponID:            o.CouponID,
		CouponUsageRecorded: o.CouponUsageRecorded,
		Status:              string(o.Status),
		PaymentInfo:         o.PaymentInfo,
		Timing:              o.Timing.UTC(),
		Invoice:             o.Invoice,
		PaymentURL:          o.PaymentURL,
		CreatedAt:           o.CreatedAt.UTC(),
		UpdatedAt:           o.UpdatedAt.UTC(),
	}
	if o.PaidAt != nil {
		paid := o.PaidAt.UTC()
		doc.PaidAt = &paid
	}
	return doc
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}

	order := domain.Order{
		ID:                  snap.Ref.ID,
		Name:                doc.Name,
		Email:               doc.Email,
		Phone:               domain.Phone{Number: doc.Phone.Number, Promotion: doc.Phone.Promotion},
		Organization:        doc.Organization,
		Designation:         doc.Designation,
		StudentID:           doc.StudentID,
		TShirt:              domain.TShirtSize(doc.TShirt),
		Track:               domain.Track(doc.Track),
		WorkshopIDs:         doc.WorkshopIDs,
		Terms:               doc.Terms,
		CouponID:            doc.CouponID,
		CouponUsageRecorded: doc.CouponUsageRecorded,
		Status:              domain.OrderStatus(doc.Status),
		Timing:              doc.Timing.UTC(),
		Invoice:             doc.Invoice,
		PaymentURL:          doc.PaymentURL,
		CreatedAt:           doc.CreatedAt.UTC(),
		UpdatedAt:           doc.UpdatedAt.UTC(),
	}
	if len(doc.PaymentInfo) > 0 {
		order.PaymentInfo = domain.PaymentInfo(doc.PaymentInfo)
	}
	if doc.PaidAt != nil {
		paid := doc.PaidAt.UTC()
		order.PaidAt = &paid
	}

	var err error
	if order.Subtotal, err = parseMoney("order subtotal", doc.Subtotal); err != nil {
		return domain.Order{}, err
	}
	if order.Discount, err = parseMoney("order discount", doc.Discount); err != nil {
		return domain.Order{}, err
	}
	if order.Tax, err = parseMoney("order tax", doc.Tax); err != nil {
		return domain.Order{}, err
	}
	if order.ShippingFee, err = parseMoney("order shipping fee", doc.ShippingFee); err != nil {
		return domain.Order{}, err
	}
	if order.Total, err = parseMoney("order total", doc.Total); err != nil {
		return domain.Order{}, err
	}

	order.Items = make([]domain.OrderLineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		price, err := parseMoney("item price", item.Price)
		if err != nil {
			return domain.Order{}, err
		}
		pct, err := parseMoney("item discount", item.DiscountPercentage)
		if err != nil {
			return domain.Order{}, err
		}
		order.Items = append(order.Items, domain.OrderLineItem{
			TicketID:           item.TicketID,
			Title:              item.Title,
			Price:              price,
			Quantity:           item.Quantity,
			DiscountPercentage: pct,
		})
	}
	return order, nil
}
