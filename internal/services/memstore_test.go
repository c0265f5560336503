package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/payments"
	"github.com/ticketbooth/api/internal/platform/mail"
	"github.com/ticketbooth/api/internal/repositories"
)

// memStore is an in-memory stand-in for Firestore that enforces the same guarded writes.
type memStore struct {
	mu        sync.Mutex
	tickets   map[string]domain.Ticket
	coupons   map[string]domain.Coupon
	workshops map[string]domain.Workshop
	orders    map[string]domain.Order
	raffle    []domain.RaffleEntry
	deleteErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		tickets:   map[string]domain.Ticket{},
		coupons:   map[string]domain.Coupon{},
		workshops: map[string]domain.Workshop{},
		orders:    map[string]domain.Order{},
		deleteErr: map[string]error{},
	}
}

func (m *memStore) putTicket(t domain.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = t
}

func (m *memStore) ticket(id string) domain.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickets[id]
}

func (m *memStore) putCoupon(c domain.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.ID] = c
}

func (m *memStore) coupon(id string) domain.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[id]
}

func (m *memStore) putOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
}

func (m *memStore) order(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return cloneOrder(o), ok
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	o.WorkshopIDs = slices.Clone(o.WorkshopIDs)
	if o.PaymentInfo != nil {
		info := make(domain.PaymentInfo, len(o.PaymentInfo))
		for k, v := range o.PaymentInfo {
			info[k] = v
		}
		o.PaymentInfo = info
	}
	if o.CouponID != nil {
		id := *o.CouponID
		o.CouponID = &id
	}
	if o.PaidAt != nil {
		at := *o.PaidAt
		o.PaidAt = &at
	}
	return o
}

func notFound(what, id string) error {
	return repositories.NewConstraintError(repositories.ConstraintNotFound, fmt.Sprintf("%s %s not found", what, id), nil)
}

type memTickets struct{ m *memStore }

func (r memTickets) FindByID(_ context.Context, id string) (domain.Ticket, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tickets[id]
	if !ok {
		return domain.Ticket{}, notFound("ticket", id)
	}
	return t, nil
}

func (r memTickets) IncrementBookCount(_ context.Context, id string, qty int64, now time.Time) (domain.Ticket, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tickets[id]
	if !ok {
		return domain.Ticket{}, notFound("ticket", id)
	}
	if t.BookCount+qty > t.Limit {
		return domain.Ticket{}, repositories.NewConstraintError(repositories.ConstraintCapacityExceeded, "ticket "+id+" is sold out", nil)
	}
	t.BookCount += qty
	t.UpdatedAt = now
	r.m.tickets[id] = t
	return t, nil
}

func (r memTickets) MarkUnavailable(_ context.Context, id string, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tickets[id]
	if !ok {
		return notFound("ticket", id)
	}
	t.IsAvailable = false
	t.UpdatedAt = now
	r.m.tickets[id] = t
	return nil
}

type memCoupons struct{ m *memStore }

func (r memCoupons) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.coupons {
		if c.Code == code {
			return c, nil
		}
	}
	return domain.Coupon{}, notFound("coupon", code)
}

func (r memCoupons) FindByID(_ context.Context, id string) (domain.Coupon, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.coupons[id]
	if !ok {
		return domain.Coupon{}, notFound("coupon", id)
	}
	return c, nil
}

func (r memCoupons) IncrementUsage(_ context.Context, id string, qty int64, now time.Time) (domain.Coupon, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.coupons[id]
	if !ok {
		return domain.Coupon{}, notFound("coupon", id)
	}
	if c.UsageCount+qty > c.Limit {
		return domain.Coupon{}, repositories.NewConstraintError(repositories.ConstraintUsageExhausted, "coupon "+id+" is exhausted", nil)
	}
	c.UsageCount += qty
	c.UpdatedAt = now
	r.m.coupons[id] = c
	return c, nil
}

func (r memCoupons) MarkUnavailable(_ context.Context, id string, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.coupons[id]
	if !ok {
		return notFound("coupon", id)
	}
	c.IsAvailable = false
	c.UpdatedAt = now
	r.m.coupons[id] = c
	return nil
}

type memWorkshops struct{ m *memStore }

func (r memWorkshops) FindByIDs(_ context.Context, ids []string) ([]domain.Workshop, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.Workshop
	for _, id := range ids {
		if w, ok := r.m.workshops[id]; ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r memWorkshops) MarkUnavailable(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	w, ok := r.m.workshops[id]
	if !ok {
		return notFound("workshop", id)
	}
	w.Availability = false
	r.m.workshops[id] = w
	return nil
}

type memRaffle struct{ m *memStore }

func (r memRaffle) List(context.Context) ([]domain.RaffleEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return slices.Clone(r.m.raffle), nil
}

type memOrders struct{ m *memStore }

func (r memOrders) Insert(_ context.Context, o domain.Order) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, exists := r.m.orders[o.ID]; exists {
		return errors.New("order already exists")
	}
	r.m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r memOrders) FindByID(_ context.Context, id string) (domain.Order, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	o, ok := r.m.orders[id]
	if !ok {
		return domain.Order{}, notFound("order", id)
	}
	return cloneOrder(o), nil
}

func (r memOrders) Transition(_ context.Context, tr repositories.OrderTransition) (domain.Order, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	o, ok := r.m.orders[tr.OrderID]
	if !ok {
		return domain.Order{}, notFound("order", tr.OrderID)
	}
	if !slices.Contains(tr.Expected, o.Status) {
		return domain.Order{}, repositories.NewConstraintError(repositories.ConstraintStatusMismatch, "order "+tr.OrderID+" is "+string(o.Status), nil)
	}
	next := cloneOrder(o)
	if err := tr.Apply(&next); err != nil {
		return domain.Order{}, err
	}
	next.UpdatedAt = tr.Now
	r.m.orders[tr.OrderID] = next
	return cloneOrder(next), nil
}

func (r memOrders) sorted(statuses []domain.OrderStatus) []domain.Order {
	var out []domain.Order
	for _, o := range r.m.orders {
		if len(statuses) == 0 || slices.Contains(statuses, o.Status) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r memOrders) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	items := r.sorted(filter.Statuses)
	if size := filter.Pagination.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

func (r memOrders) Each(_ context.Context, statuses []domain.OrderStatus, fn func(domain.Order) error) error {
	r.m.mu.Lock()
	items := r.sorted(statuses)
	r.m.mu.Unlock()
	for _, o := range items {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func (r memOrders) ListExpiredPending(_ context.Context, now time.Time, after *repositories.ExpiryCursor, limit int) ([]domain.Order, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	pending := r.sorted([]domain.OrderStatus{domain.OrderStatusPending})
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Timing.Equal(pending[j].Timing) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].Timing.Before(pending[j].Timing)
	})
	var out []domain.Order
	for _, o := range pending {
		if o.Timing.After(now) {
			continue
		}
		if after != nil && (o.Timing.Before(after.Timing) || (o.Timing.Equal(after.Timing) && o.ID <= after.OrderID)) {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r memOrders) DeleteExpiredPending(_ context.Context, id string, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.deleteErr[id]; err != nil {
		return err
	}
	o, ok := r.m.orders[id]
	if !ok {
		return notFound("order", id)
	}
	if o.Status != domain.OrderStatusPending || o.Timing.After(now) {
		return repositories.NewConstraintError(repositories.ConstraintStatusMismatch, "order "+id+" is not expired", nil)
	}
	delete(r.m.orders, id)
	return nil
}

func (r memOrders) CountActiveByWorkshop(_ context.Context, workshopID string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, o := range r.m.orders {
		if (o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusPaid) && slices.Contains(o.WorkshopIDs, workshopID) {
			n++
		}
	}
	return n, nil
}

func (r memOrders) SumHeldQuantity(_ context.Context, ticketID, excludeOrderID string, now time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var held int64
	for _, o := range r.m.orders {
		if o.ID == excludeOrderID || o.Status != domain.OrderStatusInitiated || !o.Timing.After(now) {
			continue
		}
		for _, item := range o.Items {
			if item.TicketID == ticketID {
				held += item.Quantity
			}
		}
	}
	return held, nil
}

type stubGateway struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req payments.SessionRequest) (payments.Session, error)
	calls []payments.SessionRequest
}

func (g *stubGateway) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(ctx, req)
	}
	return payments.Session{URL: "https://pay.test/" + req.OrderID}, nil
}

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	// errs is consumed one per Send call; nil entries succeed.
	errs []error
	fail error
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	} else if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fileRenderer struct {
	mu       sync.Mutex
	err      error
	rendered []string
}

func (r *fileRenderer) Render(_ context.Context, order domain.Order, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rendered = append(r.rendered, order.ID)
	return os.WriteFile(path, []byte("%PDF-1.4 "+order.ID), 0o600)
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *memArchive) PutFile(_ context.Context, object, path, _ string) error {
	if a.err != nil {
		return a.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[object] = data
	return nil
}

func (a *memArchive) DownloadURL(_ context.Context, object string) (string, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects[object]; !ok {
		return "", time.Time{}, errors.New("object missing")
	}
	return "https://storage.test/" + object + "?sig=1", time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires every service over one memStore.
type harness struct {
	now      time.Time
	store    *memStore
	gateway  *stubGateway
	mailer   *captureMailer
	renderer *fileRenderer
	archive  *memArchive
	events   *captureEvents

	ledger     *InventoryLedger
	assembler  OrderAssembler
	reconciler SettlementReconciler
	pipeline   *InvoicePipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:      time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		store:    newMemStore(),
		gateway:  &stubGateway{},
		mailer:   &captureMailer{},
		renderer: &fileRenderer{},
		archive:  &memArchive{},
		events:   &captureEvents{},
	}
	clock := func() time.Time { return h.now }

	ledger, err := NewInventoryLedger(InventoryLedgerDeps{
		Tickets:   memTickets{h.store},
		Coupons:   memCoupons{h.store},
		Workshops: memWorkshops{h.store},
		Holds:     memOrders{h.store},
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	validator, err := NewCouponValidator(memCoupons{h.store})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	seq := 0
	assembler, err := NewOrderAssembler(OrderAssemblerDeps{
		Orders:    memOrders{h.store},
		Workshops: memWorkshops{h.store},
		Ledger:    ledger,
		Coupons:   validator,
		Events:    h.events,
		Clock:     clock,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("TEST%02d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	pipeline, err := NewInvoicePipeline(InvoicePipelineDeps{
		Renderer:   h.renderer,
		Mailer:     h.mailer,
		Archive:    h.archive,
		Orders:     memOrders{h.store},
		WorkDir:    t.TempDir(),
		SellerName: "DevConf",
		Sleep:      func(context.Context, time.Duration) error { return nil },
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	reconciler, err := NewSettlementReconciler(SettlementReconcilerDeps{
		Orders:   memOrders{h.store},
		Ledger:   ledger,
		Gateway:  h.gateway,
		Invoices: pipeline,
		Events:   h.events,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	h.ledger = ledger
	h.assembler = assembler
	h.reconciler = reconciler
	h.pipeline = pipeline
	return h
}

func (h *harness) addTicket(id string, price int64, limit, booked int64) {
	h.store.putTicket(domain.Ticket{
		ID:          id,
		Title:       "Ticket " + id,
		Price:       decimal.NewFromInt(price),
		Limit:       limit,
		BookCount:   booked,
		ExpiryDate:  h.now.Add(30 * 24 * time.Hour),
		IsAvailable: true,
	})
}

func validCommand(items ...CartItem) CreateOrderCommand {
	return CreateOrderCommand{
		Name:         "Rahim Uddin",
		Email:        "rahim@example.com",
		Phone:        "01712345678",
		Organization: "Acme",
		Designation:  "Engineer",
		TShirt:       "L",
		Track:        string(domain.TrackPresentationDeck),
		Terms:        true,
		Items:        items,
	}
}
