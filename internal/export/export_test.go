package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"kasirinaja/retailpos/internal/domain"
)

func sampleTransactions() []domain.Transaction {
	d := decimal.RequireFromString
	return []domain.Transaction{{
		TransactionNumber: "TXN20250630000001",
		CreatedAt:         time.Date(2025, 6, 30, 8, 0, 0, 0, time.UTC),
		Status:            domain.TxStatusCompleted,
		CashierID:         "c1",
		CashierName:       `Dela Cruz, "Jun"`,
		CustomerType:      domain.CustomerRegular,
		PaymentMethod:     domain.PaymentCash,
		Subtotal:          d("30"),
		Total:             d("30"),
		VatAmount:         d("3.214"),
		NetSales:          d("26.786"),
		Notes:             "line one\nline two",
		Items: []domain.LineItem{
			{ProductID: "A", ProductName: "Rice, 5kg", Quantity: 1, UnitPrice: d("10"), TotalPrice: d("10"), FinalPrice: d("10")},
			{ProductID: "B", ProductName: "Milk", Quantity: 2, UnitPrice: d("10"), TotalPrice: d("20"), FinalPrice: d("20")},
		},
	}}
}

func TestWriteCSVOneRowPerItem(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleTransactions()); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	row := records[1]
	if row[4] != `Dela Cruz, "Jun"` || row[8] != "Rice, 5kg" || row[20] != "line one\nline two" {
		t.Fatalf("text fields did not survive quoting: %q", row)
	}
	if row[10] != "10.00" || row[18] != "3.21" || row[19] != "26.79" {
		t.Fatalf("expected 2-decimal money, got %q", row)
	}
	if !strings.Contains(buf.String(), `"Dela Cruz, ""Jun"""`) {
		t.Fatalf("expected escaped quotes in raw output:\n%s", buf.String())
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, sampleTransactions()); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "transaction_number" || rows[2][7] != "B" {
		t.Fatalf("unexpected content %v", rows)
	}
	if rows[2][9] != "2" {
		t.Fatalf("expected quantity 2, got %q", rows[2][9])
	}
}

func TestFilenameAndContentType(t *testing.T) {
	at := time.Date(2025, 6, 30, 8, 1, 2, 0, time.UTC)
	if got := Filename(FormatCSV, at); got != "transactions-20250630-080102.csv" {
		t.Fatalf("unexpected filename %q", got)
	}
	if !strings.HasPrefix(ContentType(FormatXLSX), "application/vnd.openxmlformats") {
		t.Fatalf("unexpected content type")
	}
}
