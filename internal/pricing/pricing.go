// Package pricing turns cart lines and a customer classification into priced
// line items and transaction totals. It performs no I/O.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/retailpos/internal/domain"
)

var (
	DefaultVATRate      = decimal.NewFromInt(12)
	DefaultDiscountRate = decimal.NewFromInt(20)

	hundred = decimal.NewFromInt(100)
)

type Item struct {
	ProductID       string
	ProductName     string
	UnitPrice       decimal.Decimal
	Quantity        int
	IsDiscountable  bool
	IsVatExemptable bool
}

// Options carries the store pricing configuration. Unset rates fall back to
// DefaultVATRate and DefaultDiscountRate; a set zero rate is honored.
type Options struct {
	VATRate      decimal.NullDecimal
	DiscountRate decimal.NullDecimal
}

// Rate wraps a configured percentage for Options.
func Rate(value decimal.Decimal) decimal.NullDecimal {
	return decimal.NewNullDecimal(value)
}

type Result struct {
	Lines               []domain.LineItem
	Subtotal            decimal.Decimal
	TotalVatExempt      decimal.Decimal
	TotalDiscountAmount decimal.Decimal
	AmountDue           decimal.Decimal
	VATAmount           decimal.Decimal
	NetSales            decimal.Decimal
	VATRate             decimal.Decimal
}

// Compute prices items for the given customer type. TotalPrice and
// FinalPrice are rounded half-up to 2 decimals once per line and the
// reductions are the rounded difference, so every line satisfies
// TotalPrice = VatExempt + DiscountAmount + FinalPrice exactly. Totals are sums
// of the lines.
func Compute(items []Item, customer domain.CustomerType, opts Options) (Result, error) {
	vatRate := orDefault(opts.VATRate, DefaultVATRate)
	discountRate := orDefault(opts.DiscountRate, DefaultDiscountRate)
	if err := checkRate("vat rate", vatRate); err != nil {
		return Result{}, err
	}
	if err := checkRate("discount rate", discountRate); err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		return Result{}, fmt.Errorf("%w: no items to price", domain.ErrValidation)
	}
	if customer == "" {
		customer = domain.CustomerRegular
	}

	result := Result{
		Lines:   make([]domain.LineItem, 0, len(items)),
		VATRate: vatRate,
	}
	vatable := decimal.Zero
	statutory := customer.QualifiesForStatutoryDiscount()

	for _, item := range items {
		if item.Quantity < 1 {
			return Result{}, fmt.Errorf("%w: quantity for %s must be at least 1", domain.ErrValidation, item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return Result{}, fmt.Errorf("%w: negative unit price for %s", domain.ErrValidation, item.ProductID)
		}

		gross := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		line := domain.LineItem{
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			Quantity:       item.Quantity,
			UnitPrice:      round(item.UnitPrice),
			TotalPrice:     round(gross),
			Discount:       decimal.Zero,
			VatExempt:      decimal.Zero,
			DiscountAmount: decimal.Zero,
			FinalPrice:     round(gross),
		}

		if statutory && (item.IsVatExemptable || item.IsDiscountable) {
			base := gross
			if item.IsVatExemptable {
				base = gross.Div(decimal.NewFromInt(1).Add(vatRate.Div(hundred)))
				line.VatExempt = round(gross.Sub(base))
			}
			final := base
			if item.IsDiscountable {
				final = base.Sub(base.Mul(discountRate).Div(hundred))
				line.Discount = discountRate
				line.DiscountApplied = true
			}
			line.FinalPrice = round(final)
			if item.IsDiscountable {
				line.DiscountAmount = line.TotalPrice.Sub(line.VatExempt).Sub(line.FinalPrice)
			} else {
				line.VatExempt = line.TotalPrice.Sub(line.FinalPrice)
			}
			if !item.IsVatExemptable {
				vatable = vatable.Add(line.FinalPrice)
			}
		} else {
			vatable = vatable.Add(line.FinalPrice)
		}

		result.Subtotal = result.Subtotal.Add(line.TotalPrice)
		result.TotalVatExempt = result.TotalVatExempt.Add(line.VatExempt)
		result.TotalDiscountAmount = result.TotalDiscountAmount.Add(line.DiscountAmount)
		result.AmountDue = result.AmountDue.Add(line.FinalPrice)
		result.Lines = append(result.Lines, line)
	}

	result.VATAmount = ExtractVAT(vatable, vatRate)
	result.NetSales = result.AmountDue.Sub(result.VATAmount)
	return result, nil
}

// ExtractVAT returns the VAT contained in a VAT-inclusive amount.
func ExtractVAT(inclusive decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() || inclusive.IsZero() {
		return decimal.Zero
	}
	return round(inclusive.Mul(rate).Div(hundred.Add(rate)))
}

func orDefault(rate decimal.NullDecimal, fallback decimal.Decimal) decimal.Decimal {
	if !rate.Valid {
		return fallback
	}
	return rate.Decimal
}

func checkRate(name string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s %s outside [0,100]", domain.ErrValidation, name, rate.String())
	}
	return nil
}

// round is half-up for the non-negative amounts this package produces.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
