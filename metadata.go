package imagecheck

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bep/imagemeta"
)

// CaptureMetadata maps EXIF tag names to their decoded values. An empty
// mapping means the image carries no capture metadata.
type CaptureMetadata map[string]any

// Present reports whether any EXIF tag was found.
func (m CaptureMetadata) Present() bool { return len(m) > 0 }

// Camera returns "Make Model" when either tag is set.
func (m CaptureMetadata) Camera() string {
	parts := make([]string, 0, 2)
	for _, tag := range []string{"Make", "Model"} {
		if s := cleanTag(m[tag]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Software returns the EXIF Software tag, typically the editor that last
// saved the file.
func (m CaptureMetadata) Software() string {
	return cleanTag(m["Software"])
}

// cleanTag strips the blank and NUL padding some writers leave in ASCII tags.
func cleanTag(v any) string {
	return strings.Trim(tagValueString(v), " \t\x00")
}

// Taken returns DateTimeOriginal, falling back to DateTime.
func (m CaptureMetadata) Taken() string {
	if s := tagValueString(m["DateTimeOriginal"]); s != "" {
		return s
	}
	return tagValueString(m["DateTime"])
}

// metadataFormats maps decoder names to the formats imagemeta can read.
// GIF carries no EXIF.
var metadataFormats = map[string]imagemeta.ImageFormat{
	"jpeg": imagemeta.JPEG,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
}

// ExtractCaptureMetadata reads every EXIF tag from raw image bytes of the
// given format (a decoder name as returned by Image.Format). Formats without
// EXIF support yield an empty mapping and no error.
// The returned mapping is never nil. A parse failure is reported in Err
// alongside whatever tags were read before it.
func ExtractCaptureMetadata(data []byte, format string) (out Signal[CaptureMetadata]) {
	meta := CaptureMetadata{}
	imageFormat, ok := metadataFormats[format]
	if len(data) == 0 || !ok {
		return Signal[CaptureMetadata]{Value: meta}
	}

	defer func() {
		if r := recover(); r != nil {
			out = Signal[CaptureMetadata]{Value: meta, Err: fmt.Errorf("metadata: %v", r)}
		}
	}()

	_, err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: imageFormat,
		Sources:     imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return ti.Source == imagemeta.EXIF
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			if ti.Tag == "" {
				return nil
			}
			if _, seen := meta[ti.Tag]; !seen {
				meta[ti.Tag] = ti.Value
			}
			return nil
		},
	})
	if err != nil {
		return Signal[CaptureMetadata]{Value: meta, Err: fmt.Errorf("metadata: %w", err)}
	}
	return Signal[CaptureMetadata]{Value: meta}
}

// tagValueString extracts a string from a tag value.
// Some values arrive as lists; the first element wins.
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
		return ""
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}
