package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// preparedImage is what gets sent to a provider
type preparedImage struct {
	Data     []byte
	MIMEType string
}

// format returns the subtype of the MIME type, e.g. "png" for image/png
func (p preparedImage) format() string {
	_, sub, ok := strings.Cut(p.MIMEType, "/")
	if !ok {
		return "png"
	}
	return sub
}

// prepareImage converts PDFs, HEIC and non-PNG images to PNG. When conversion
// fails the original bytes are returned with their detected MIME type so the
// provider can still try to read them.
func prepareImage(data []byte, filenameHint string) (preparedImage, error) {
	mimeType := detectMIMEType(data, filenameHint)

	var (
		converted []byte
		err       error
	)
	switch {
	case mimeType == "image/png":
		return preparedImage{Data: data, MIMEType: mimeType}, nil
	case mimeType == "application/pdf":
		converted, err = pdfToPNG(data)
	default:
		converted, err = imageToPNG(data, mimeType)
	}
	if err != nil {
		return preparedImage{Data: data, MIMEType: mimeType}, err
	}
	return preparedImage{Data: converted, MIMEType: "image/png"}, nil
}

// detectMIMEType prefers magic bytes over the filename extension
func detectMIMEType(data []byte, filenameHint string) string {
	if isHEICFormat(data) {
		return "image/heic"
	}

	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	if sniffed == "application/pdf" || strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}

	ext := strings.ToLower(filepath.Ext(filenameHint))
	if isHEICMimeType(ext) {
		return "image/heic"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return "image/jpeg"
}

func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func imageToPNG(data []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding %s image: %w", mimeType, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ISO BMFF ftyp box with a HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Contains(s, "heic") || strings.Contains(s, "heif")
}
