package extraction

import "time"

// Record holds the structured data pulled out of OCR text.
// Every field is independently optional.
type Record struct {
	Vendor *string
	Date   *time.Time // calendar date at UTC midnight
	Amount *float64
	Items  []LineItem
}

// LineItem is a single "quantity description price" row
type LineItem struct {
	Quantity    int
	Description string
	Price       float64
}
