// Package invoice renders the PDF invoice attached to paid order emails.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/ticketbooth/api/internal/domain"
)

const (
	pageMargin   = 20.0
	lineHeight   = 6.0
	dateLayout   = "02 Jan 2006 15:04"
	documentName = "Ticket Invoice"
)

// Options configures a Renderer.
type Options struct {
	SellerName string
	Currency   string
	// VAT is a flat amount printed on every invoice. Empty means zero.
	VAT      string
	Location *time.Location
	Language language.Tag
	// Watermark is an optional PNG or JPEG drawn faintly behind the content.
	Watermark string
}

// Renderer writes single-page invoices with fpdf core fonts.
type Renderer struct {
	seller    string
	unit      currency.Unit
	vat       decimal.Decimal
	location  *time.Location
	printer   *message.Printer
	watermark string
}

// NewRenderer validates opts and returns a renderer.
func NewRenderer(opts Options) (*Renderer, error) {
	seller := strings.TrimSpace(opts.SellerName)
	if seller == "" {
		return nil, errors.New("invoice: seller name is required")
	}
	code := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if code == "" {
		code = "BDT"
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("invoice: currency %q: %w", code, err)
	}
	vat := decimal.Zero
	if raw := strings.TrimSpace(opts.VAT); raw != "" {
		vat, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invoice: vat %q: %w", raw, err)
		}
		if vat.Sign() < 0 {
			return nil, errors.New("invoice: vat must not be negative")
		}
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	tag := opts.Language
	if tag == language.Und {
		tag = language.English
	}
	return &Renderer{
		seller:    seller,
		unit:      unit,
		vat:       vat,
		location:  location,
		printer:   message.NewPrinter(tag),
		watermark: strings.TrimSpace(opts.Watermark),
	}, nil
}

// FormatAmount renders amount with grouping and two decimals, prefixed by the currency code.
func (r *Renderer) FormatAmount(amount decimal.Decimal) string {
	value := r.printer.Sprint(number.Decimal(amount.InexactFloat64(), number.Scale(2)))
	return r.unit.String() + " " + value
}

// Render writes the invoice for order to path, creating the parent directory when needed.
func (r *Renderer) Render(ctx context.Context, order domain.Order, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("invoice: order id is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("invoice: prepare work dir: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetTitle(documentName+" "+order.ID, true)
	pdf.SetAuthor(r.seller, true)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if r.watermark != "" {
		r.drawWatermark(pdf)
	}

	pdf.SetTextColor(51, 51, 51)
	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 10, tr(r.seller), "", 1, "C", false, 0, "")
	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, documentName, "", 1, "C", false, 0, "")
	pdf.Ln(6)

	issued := time.Now()
	if order.PaidAt != nil {
		issued = *order.PaidAt
	}
	half := (210 - 2*pageMargin) / 2

	section(pdf, "Order Information:")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(half, lineHeight, tr("Participant ID: "+order.ID), "", 0, "L", false, 0, "")
	pdf.CellFormat(half, lineHeight, tr("Name: "+order.Name), "", 1, "R", false, 0, "")
	pdf.CellFormat(half, lineHeight, "Date: "+issued.In(r.location).Format(dateLayout), "", 0, "L", false, 0, "")
	pdf.CellFormat(half, lineHeight, tr("Mobile: "+order.Phone.Number), "", 1, "R", false, 0, "")
	pdf.Ln(6)

	section(pdf, "Items:")
	pdf.SetFont("Helvetica", "", 10)
	for _, item := range order.Items {
		label := item.Title
		if item.Quantity > 1 {
			label = fmt.Sprintf("%s x %d", item.Title, item.Quantity)
		}
		pdf.CellFormat(half, lineHeight, tr(label), "", 0, "L", false, 0, "")
		pdf.CellFormat(half, lineHeight, r.FormatAmount(item.LineTotal()), "", 1, "R", false, 0, "")
	}
	pdf.Ln(6)

	section(pdf, "Payment Details:")
	pdf.SetFont("Helvetica", "", 10)
	rows := []struct {
		label  string
		amount decimal.Decimal
		minus  bool
	}{
		{label: "Subtotal", amount: order.Subtotal},
		{label: "VAT", amount: r.vat},
		{label: "Tax", amount: order.Tax},
		{label: "Shipping", amount: order.ShippingFee},
		{label: "Discount", amount: order.Discount, minus: true},
	}
	for _, row := range rows {
		if row.label == "Shipping" && row.amount.IsZero() {
			continue
		}
		value := r.FormatAmount(row.amount)
		if row.minus {
			value = "-" + value
		}
		pdf.CellFormat(0, lineHeight, row.label+": "+value, "", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, lineHeight+1, "Total: "+r.FormatAmount(order.Total), "", 1, "R", false, 0, "")

	if err := pdf.OutputFileAndClose(path); err != nil {
		return fmt.Errorf("invoice: write %s: %w", path, err)
	}
	return nil
}

func (r *Renderer) drawWatermark(pdf *fpdf.Fpdf) {
	const size = 110.0
	pdf.SetAlpha(0.2, "Normal")
	pdf.ImageOptions(r.watermark, (210-size)/2, (297-size)/2, size, size, false, fpdf.ImageOptions{ReadDpi: true}, 0, "")
	pdf.SetAlpha(1, "Normal")
	if pdf.Err() {
		// Watermark errors are not fatal.
		pdf.ClearError()
	}
}

func section(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
}
