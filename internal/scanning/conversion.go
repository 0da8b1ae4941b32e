package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// transcribePrompt is the shared prompt used by all OCR providers
const transcribePrompt = `You are an OCR engine reading a photographed or scanned receipt.

Transcribe every line of printed text exactly as it appears, top to bottom, one receipt line per output line.

Rules:
- Keep the original order of lines. The first line must be the first line printed on the receipt (usually the store name).
- Keep numbers, prices, dates and currency symbols exactly as printed. Do not reformat dates or amounts.
- Keep item rows on a single line, e.g. "2 Coffee 3.50".
- Do not summarize, translate, correct spelling, or add commentary.
- Do not use markdown or code blocks.
- If no text is legible, answer with exactly: ` + noTextMarker

// renderPDF rasterizes the first page; receipts are almost always single page
func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeUpload decodes a PDF, HEIC/HEIF, JPEG, PNG or GIF upload
func decodeUpload(data []byte, mimeType string) (image.Image, error) {
	switch {
	case mimeType == "application/pdf":
		return renderPDF(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		// the stdlib has no HEIC decoder and iPhones default to it
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImageData converts an upload to the PNG every OCR backend is sent.
// Anything that cannot be decoded is reported as ErrUnreadableImage.
func prepareImageData(imageData []byte, contentType string) ([]byte, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrUnreadableImage)
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	// PNGs go out as-is once we know they decode
	if mimeType == "image/png" && !isHEICFormat(imageData) {
		if _, _, err := image.DecodeConfig(bytes.NewReader(imageData)); err != nil {
			return nil, fmt.Errorf("%w: decoding PNG: %v", ErrUnreadableImage, err)
		}
		return imageData, nil
	}

	img, err := decodeUpload(imageData, mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	out, err := encodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	return out, nil
}
