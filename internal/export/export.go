// Package export renders transactions as flat tables, one row per sold item.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"kasirinaja/retailpos/internal/domain"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"

	sheetName = "Transactions"
)

var Header = []string{
	"transaction_number", "created_at", "status", "cashier_id", "cashier_name",
	"customer_type", "payment_method", "product_id", "product_name", "quantity",
	"unit_price", "total_price", "vat_exempt", "discount_amount", "final_price",
	"transaction_subtotal", "transaction_discount", "transaction_total", "vat_amount", "net_sales", "notes",
}

// first money column in Header, zero-based
const moneyFrom = 10

func ContentType(format string) string {
	if format == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func Filename(format string, at time.Time) string {
	return fmt.Sprintf("transactions-%s.%s", at.Format("20060102-150405"), format)
}

// WriteCSV streams the export. Fields holding a comma, quote or newline are
// quoted by encoding/csv.
func WriteCSV(w io.Writer, txs []domain.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, tx := range txs {
		for _, item := range tx.Items {
			if err := cw.Write(textRow(tx, item)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteXLSX(w io.Writer, txs []domain.Transaction) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	header := make([]any, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}

	money, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		return err
	}
	firstMoney, _ := excelize.ColumnNumberToName(moneyFrom + 1)
	lastMoney, _ := excelize.ColumnNumberToName(len(Header) - 1)
	if err := f.SetColStyle(sheetName, firstMoney+":"+lastMoney, money); err != nil {
		return err
	}

	row := 2
	for _, tx := range txs {
		for _, item := range tx.Items {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			values := cellRow(tx, item)
			if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
				return err
			}
			row++
		}
	}
	_, err = f.WriteTo(w)
	return err
}

func textRow(tx domain.Transaction, item domain.LineItem) []string {
	return []string{
		tx.TransactionNumber,
		tx.CreatedAt.UTC().Format(time.RFC3339),
		string(tx.Status),
		tx.CashierID,
		tx.CashierName,
		string(tx.CustomerType),
		string(tx.PaymentMethod),
		item.ProductID,
		item.ProductName,
		strconv.Itoa(item.Quantity),
		money(item.UnitPrice),
		money(item.TotalPrice),
		money(item.VatExempt),
		money(item.DiscountAmount),
		money(item.FinalPrice),
		money(tx.Subtotal),
		money(tx.Discount),
		money(tx.Total),
		money(tx.VatAmount),
		money(tx.NetSales),
		tx.Notes,
	}
}

func cellRow(tx domain.Transaction, item domain.LineItem) []any {
	text := textRow(tx, item)
	out := make([]any, len(text))
	for i, v := range text {
		out[i] = v
	}
	out[9] = item.Quantity
	for i, d := range []decimal.Decimal{
		item.UnitPrice, item.TotalPrice, item.VatExempt, item.DiscountAmount, item.FinalPrice,
		tx.Subtotal, tx.Discount, tx.Total, tx.VatAmount, tx.NetSales,
	} {
		out[moneyFrom+i] = d.Round(2).InexactFloat64()
	}
	return out
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
