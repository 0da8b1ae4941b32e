package receipt

import (
	"time"

	"github.com/zombor/receipt-auditor/internal/extraction"
)

// Receipt is the extracted data as returned to API callers
type Receipt struct {
	Vendor *string    `json:"vendor"`
	Date   *string    `json:"date"` // YYYY-MM-DD
	Amount *float64   `json:"amount"`
	Items  []LineItem `json:"items"`
}

// LineItem is a single purchased item
type LineItem struct {
	Quantity    int     `json:"quantity"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// Analysis is the result of checking one receipt against the expense policy
type Analysis struct {
	ID         string    `json:"id"`
	Category   string    `json:"category,omitempty"`
	Receipt    Receipt   `json:"extracted_data"`
	Violations []string  `json:"policy_violations"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

func newReceipt(rec extraction.Record) Receipt {
	out := Receipt{
		Vendor: rec.Vendor,
		Amount: rec.Amount,
		Items:  make([]LineItem, 0, len(rec.Items)),
	}
	if rec.Date != nil {
		d := rec.Date.Format("2006-01-02")
		out.Date = &d
	}
	for _, it := range rec.Items {
		out.Items = append(out.Items, LineItem{
			Quantity:    it.Quantity,
			Description: it.Description,
			Price:       it.Price,
		})
	}
	return out
}
