package storage

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// TemplateExtensions lists the image types accepted as certificate templates.
var TemplateExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".webp"}

// TemplateKey is where an operator's uploaded template image lives.
func TemplateKey(operatorID uint, id, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	return fmt.Sprintf("templates/%d/%s.%s", operatorID, id, ext)
}

// BatchPrefix groups every certificate of one batch.
func BatchPrefix(batchID uint) string {
	return fmt.Sprintf("certificates/%d/", batchID)
}

// CertificateKey is the object key of one generated certificate.
func CertificateKey(batchID uint, certificateID string) string {
	return path.Join(BatchPrefix(batchID), certificateID+".png")
}

// IsTemplateKeyOf reports whether key names a template image uploaded by
// operatorID.
func IsTemplateKeyOf(operatorID uint, key string) bool {
	if key == "" || !utf8.ValidString(key) || len(key) > 200 {
		return false
	}
	if !strings.HasPrefix(key, fmt.Sprintf("templates/%d/", operatorID)) {
		return false
	}
	if strings.Contains(key, "..") || strings.Contains(key, "\\") || strings.Contains(key, "//") {
		return false
	}
	lower := strings.ToLower(key)
	for _, ext := range TemplateExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
