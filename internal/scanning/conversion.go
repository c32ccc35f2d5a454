package scanning

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// preparedImage is an upload converted into something every vision model accepts
type preparedImage struct {
	Data      []byte
	MimeType  string
	Converted bool
}

// dataURL renders the image as a base64 data URL for chat-completion APIs
func (p preparedImage) dataURL() string {
	return "data:" + p.MimeType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// pdfToImage renders the first page of a PDF as PNG. Receipts are almost always
// a single page.
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	return encodePNG(img)
}

// imageToPNG decodes JPEG, GIF or HEIC/HEIF bytes and re-encodes them as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	// Go's image package has no HEIC decoder; iPhones upload HEIC by default
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
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

// prepareImage normalizes the MIME type and converts PDFs, HEIC and other
// non-PNG/JPEG uploads to PNG. JPEG and PNG pass through untouched since every
// provider accepts them directly.
func prepareImage(imageData []byte, contentType string) (preparedImage, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch {
	case mimeType == "application/pdf":
		data, err := pdfToImage(imageData)
		if err != nil {
			return preparedImage{}, fmt.Errorf("converting PDF to image: %w", err)
		}
		return preparedImage{Data: data, MimeType: "image/png", Converted: true}, nil
	case isHEICFormat(imageData) || isHEICMimeType(mimeType):
		data, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return preparedImage{}, fmt.Errorf("converting image to PNG: %w", err)
		}
		return preparedImage{Data: data, MimeType: "image/png", Converted: true}, nil
	case mimeType == "image/png", mimeType == "image/jpeg", mimeType == "image/jpg":
		if mimeType == "image/jpg" {
			mimeType = "image/jpeg"
		}
		return preparedImage{Data: imageData, MimeType: mimeType}, nil
	default:
		data, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return preparedImage{}, fmt.Errorf("converting image to PNG: %w", err)
		}
		return preparedImage{Data: data, MimeType: "image/png", Converted: true}, nil
	}
}
