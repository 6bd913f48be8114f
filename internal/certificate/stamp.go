package certificate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	qrcode "github.com/skip2/go-qrcode"
)

// ErrInvalidQRStamp is returned for a QR stamp with a non-positive size.
var ErrInvalidQRStamp = errors.New("qr stamp size must be positive")

const minQRSize = 21

// QRStamp places a verification QR code on every certificate. The code
// encodes the verification base URL followed by the certificate id.
type QRStamp struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Size float64 `json:"size"`
}

// VerifyURL joins base and the certificate id.
func VerifyURL(base, certificateID string) string {
	if base == "" {
		return certificateID
	}
	return strings.TrimRight(base, "/") + "/" + certificateID
}

// StampQR paints a QR code for content onto a PNG and re-encodes it.
func StampQR(png []byte, stamp QRStamp, content string) ([]byte, error) {
	if stamp.Size <= 0 {
		return nil, ErrInvalidQRStamp
	}
	src, _, err := image.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}

	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code.DisableBorder = true
	size := int(stamp.Size)
	if size < minQRSize {
		size = minQRSize
	}

	dc := gg.NewContextForImage(src)
	dc.DrawImage(code.Image(size), int(stamp.X), int(stamp.Y))

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail scales a rendered certificate down to width pixels, keeping the
// aspect ratio. Images already narrower than width are returned unchanged.
func Thumbnail(png []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	if width <= 0 || img.Bounds().Dx() <= width {
		return png, nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Resize(img, width, 0, imaging.Lanczos), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
