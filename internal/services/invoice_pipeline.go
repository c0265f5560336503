package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/ticketbooth/api/internal/domain"
	"github.com/ticketbooth/api/internal/platform/mail"
	"github.com/ticketbooth/api/internal/platform/storage"
	"github.com/ticketbooth/api/internal/repositories"
)

const (
	defaultDeliveryAttempts = 3
	defaultDeliveryDelay    = time.Second
	invoiceContentType      = "application/pdf"

	eventInvoiceStage  = "invoice.stage.failed"
	eventInvoiceDone   = "invoice.fulfilled"
	eventFailureNotice = "invoice.failure_notice.failed"
	eventDeliveryRetry = "invoice.deliver.retry"
)

// InvoiceStage names one step of the fulfillment pipeline.
type InvoiceStage string

const (
	StageRender  InvoiceStage = "render"
	StageDeliver InvoiceStage = "deliver"
	StageArchive InvoiceStage = "archive"
	StageRecord  InvoiceStage = "record"
	StageCleanup InvoiceStage = "cleanup"
)

// StageOutcome records how one stage ended. Skipped stages carry no error.
type StageOutcome struct {
	Stage    InvoiceStage
	Attempts int
	Skipped  bool
	Err      error
}

// InvoiceReport summarises a pipeline run. Confirmation is always populated.
type InvoiceReport struct {
	OrderID      string
	ObjectKey    string
	Delivered    bool
	Stages       []StageOutcome
	Confirmation string
}

// Failed reports whether stage ran and returned an error.
func (r InvoiceReport) Failed(stage InvoiceStage) bool {
	for _, outcome := range r.Stages {
		if outcome.Stage == stage {
			return outcome.Err != nil
		}
	}
	return false
}

// Err joins every stage error, or returns nil when all stages succeeded.
func (r InvoiceReport) Err() error {
	var errs []error
	for _, outcome := range r.Stages {
		if outcome.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", outcome.Stage, outcome.Err))
		}
	}
	return errors.Join(errs...)
}

// InvoicePipelineDeps wires the fulfillment pipeline.
type InvoicePipelineDeps struct {
	Renderer         InvoiceRenderer
	Mailer           Mailer
	Archive          InvoiceArchive
	Orders           repositories.OrderRepository
	WorkDir          string
	SellerName       string
	Location         *time.Location
	DeliveryAttempts int
	DeliveryDelay    time.Duration
	// Sleep waits between delivery attempts; defaults to gax.Sleep.
	Sleep   func(ctx context.Context, d time.Duration) error
	Metrics Metrics
	Clock   func() time.Time
	Logger  Logger
}

// InvoicePipeline renders, emails, archives and cleans up the invoice for a paid order.
type InvoicePipeline struct {
	renderer   InvoiceRenderer
	mailer     Mailer
	archive    InvoiceArchive
	orders     repositories.OrderRepository
	workDir    string
	sellerName string
	location   *time.Location
	attempts   int
	delay      time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	metrics    Metrics
	now        func() time.Time
	logger     Logger
}

// NewInvoicePipeline constructs the pipeline.
func NewInvoicePipeline(deps InvoicePipelineDeps) (*InvoicePipeline, error) {
	if deps.Renderer == nil {
		return nil, errors.New("invoice pipeline: renderer is required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("invoice pipeline: mailer is required")
	}
	if deps.Archive == nil {
		return nil, errors.New("invoice pipeline: archive is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("invoice pipeline: order repository is required")
	}
	workDir := strings.TrimSpace(deps.WorkDir)
	if workDir == "" {
		workDir = os.TempDir()
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	attempts := deps.DeliveryAttempts
	if attempts <= 0 {
		attempts = defaultDeliveryAttempts
	}
	delay := deps.DeliveryDelay
	if delay <= 0 {
		delay = defaultDeliveryDelay
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = gax.Sleep
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	var metrics Metrics = noopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	return &InvoicePipeline{
		renderer:   deps.Renderer,
		mailer:     deps.Mailer,
		archive:    deps.Archive,
		orders:     deps.Orders,
		workDir:    workDir,
		sellerName: strings.TrimSpace(deps.SellerName),
		location:   location,
		attempts:   attempts,
		delay:      delay,
		sleep:      sleep,
		metrics:    metrics,
		now:        func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

// Fulfill runs every stage in order. It never fails the caller: stage errors are recorded on the
// report and the confirmation is returned regardless.
func (p *InvoicePipeline) Fulfill(ctx context.Context, order Order) InvoiceReport {
	report := InvoiceReport{OrderID: order.ID, Confirmation: p.Confirmation(order)}

	path := filepath.Join(p.workDir, order.ID+".pdf")
	renderErr := p.renderer.Render(ctx, order, path)
	p.record(ctx, &report, StageOutcome{Stage: StageRender, Attempts: 1, Err: renderErr})
	if renderErr != nil {
		for _, stage := range []InvoiceStage{StageDeliver, StageArchive, StageRecord, StageCleanup} {
			report.Stages = append(report.Stages, StageOutcome{Stage: stage, Skipped: true})
		}
		return report
	}

	attempts, deliverErr := p.deliver(ctx, order, path)
	report.Delivered = deliverErr == nil
	p.record(ctx, &report, StageOutcome{Stage: StageDeliver, Attempts: attempts, Err: deliverErr})

	key, err := storage.InvoiceObjectPath(order.ID, "")
	if err == nil {
		err = p.archive.PutFile(ctx, key, path, invoiceContentType)
	}
	p.record(ctx, &report, StageOutcome{Stage: StageArchive, Attempts: 1, Err: err})

	if err == nil {
		report.ObjectKey = key
		_, recordErr := p.orders.Transition(ctx, repositories.OrderTransition{
			OrderID:  order.ID,
			Expected: []domain.OrderStatus{domain.OrderStatusPaid},
			Now:      p.now(),
			Apply: func(o *domain.Order) error {
				o.Invoice = key
				return nil
			},
		})
		p.record(ctx, &report, StageOutcome{Stage: StageRecord, Attempts: 1, Err: recordErr})
	} else {
		report.Stages = append(report.Stages, StageOutcome{Stage: StageRecord, Skipped: true})
	}

	cleanupErr := os.Remove(path)
	if errors.Is(cleanupErr, os.ErrNotExist) {
		cleanupErr = nil
	}
	p.record(ctx, &report, StageOutcome{Stage: StageCleanup, Attempts: 1, Err: cleanupErr})

	p.logger(ctx, eventInvoiceDone, map[string]any{
		"orderId":   order.ID,
		"delivered": report.Delivered,
		"objectKey": report.ObjectKey,
	})
	return report
}

// NotifyFailure emails the payer that the payment did not go through.
func (p *InvoicePipeline) NotifyFailure(ctx context.Context, order Order) error {
	body, err := renderTemplate(failureTemplate, p.templateData(order))
	if err != nil {
		return err
	}
	msg := mail.Message{
		To:      order.Email,
		Subject: fmt.Sprintf("Payment unsuccessful for order %s", order.ID),
		HTML:    body,
	}
	if err := p.mailer.Send(ctx, msg); err != nil {
		p.logger(ctx, eventFailureNotice, map[string]any{"orderId": order.ID, "error": err})
		return fmt.Errorf("%w: %v", ErrInvoiceDeliveryFailed, err)
	}
	return nil
}

// Confirmation renders the HTML page returned to the payer after settlement.
func (p *InvoicePipeline) Confirmation(order Order) string {
	body, err := renderTemplate(confirmationTemplate, p.templateData(order))
	if err != nil {
		return fmt.Sprintf("<p>Payment received for order %s.</p>", template.HTMLEscapeString(order.ID))
	}
	return body
}

// deliver emails the invoice, retrying when the artifact cannot be read or the send fails.
func (p *InvoicePipeline) deliver(ctx context.Context, order Order, path string) (int, error) {
	body, err := renderTemplate(invoiceMailTemplate, p.templateData(order))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvoiceDeliveryFailed, err)
	}
	msg := mail.Message{
		To:      order.Email,
		Subject: fmt.Sprintf("Your ticket invoice for order %s", order.ID),
		HTML:    body,
		Attachments: []mail.Attachment{{
			Name: "invoice-" + order.ID + ".pdf",
			Path: path,
		}},
	}

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if _, statErr := os.Stat(path); statErr != nil {
			lastErr = statErr
		} else if sendErr := p.mailer.Send(ctx, msg); sendErr != nil {
			lastErr = sendErr
		} else {
			return attempt, nil
		}
		if attempt == p.attempts {
			break
		}
		p.logger(ctx, eventDeliveryRetry, map[string]any{
			"orderId": order.ID,
			"attempt": attempt,
			"error":   lastErr,
		})
		if err := p.sleep(ctx, p.delay); err != nil {
			return attempt, fmt.Errorf("%w: %v", ErrInvoiceDeliveryFailed, err)
		}
	}
	return p.attempts, fmt.Errorf("%w: %v", ErrInvoiceDeliveryFailed, lastErr)
}

func (p *InvoicePipeline) record(ctx context.Context, report *InvoiceReport, outcome StageOutcome) {
	report.Stages = append(report.Stages, outcome)
	if outcome.Err == nil {
		return
	}
	p.metrics.InvoiceStageFailed(string(outcome.Stage))
	p.logger(ctx, eventInvoiceStage, map[string]any{
		"orderId":  report.OrderID,
		"stage":    string(outcome.Stage),
		"attempts": outcome.Attempts,
		"error":    outcome.Err,
	})
}

type invoiceTemplateData struct {
	Seller  string
	Name    string
	OrderID string
	Total   string
	Date    string
}

func (p *InvoicePipeline) templateData(order Order) invoiceTemplateData {
	seller := p.sellerName
	if seller == "" {
		seller = "Event Team"
	}
	when := p.now()
	if order.PaidAt != nil {
		when = *order.PaidAt
	}
	return invoiceTemplateData{
		Seller:  seller,
		Name:    order.Name,
		OrderID: order.ID,
		Total:   order.Total.StringFixed(2),
		Date:    when.In(p.location).Format("02 Jan 2006 15:04"),
	}
}

var (
	confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Payment successful</title></head>
<body>
<h1>Thank you, {{.Name}}!</h1>
<p>Your payment for order <strong>{{.OrderID}}</strong> has been received.</p>
<p>Total paid: {{.Total}} BDT on {{.Date}}.</p>
<p>Your invoice will arrive by email shortly.</p>
<p>{{.Seller}}</p>
</body></html>`))

	invoiceMailTemplate = template.Must(template.New("invoice").Parse(`<p>Dear {{.Name}},</p>
<p>Thank you for your purchase. Your invoice for order <strong>{{.OrderID}}</strong> is attached.</p>
<p>Total: {{.Total}} BDT</p>
<p>Regards,<br>{{.Seller}}</p>`))

	failureTemplate = template.Must(template.New("failure").Parse(`<p>Dear {{.Name}},</p>
<p>We could not complete the payment for order <strong>{{.OrderID}}</strong>. No tickets were booked.</p>
<p>You can place a new order at any time.</p>
<p>Regards,<br>{{.Seller}}</p>`))
)

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("invoice pipeline: render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
