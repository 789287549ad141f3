package pipeline

import (
	"context"
	"image"
	"strings"
)

// Codec decodes source images and encodes view previews.
type Codec interface {
	Decode(ctx context.Context, data []byte) (image.Image, error)
	Encode(ctx context.Context, img image.Image, format string, quality int) ([]byte, error)
}

func normalizeOutputFormat(format string) string {
	switch format = strings.ToLower(strings.TrimSpace(format)); format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png", "webp":
		return format
	default:
		return "png"
	}
}

// SupportsPreviewFormat reports whether the codec compiled into this binary can export previews
// in format. The stdlib codec has no webp encoder.
func SupportsPreviewFormat(format string) bool {
	return normalizeOutputFormat(format) != "webp" || Backend() == "govips"
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
