package scanning

import (
	"context"
	"errors"
)

var (
	// ErrUnreadableImage is returned when the upload cannot be decoded as a supported image or PDF
	ErrUnreadableImage = errors.New("unreadable image")
	// ErrScannerUnavailable is returned while the OCR circuit breaker is open
	ErrScannerUnavailable = errors.New("scanner unavailable")
)

// Scanner defines the interface for OCR over receipt images
type Scanner interface {
	// ScanText transcribes the text printed on a receipt image/PDF
	ScanText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}
