package inat

import (
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
)

// ImageSizes lists the photo variants served by the image hosts.
var ImageSizes = []string{"small", "medium", "large", "original"}

const exportedSize = "medium"

// ValidImageSize reports whether size is a known photo variant.
func ValidImageSize(size string) bool {
	return slices.Contains(ImageSizes, size)
}

// ImageVariant rewrites an exported (medium) photo URL to the requested size and
// returns the file extension to persist it under.
func ImageVariant(rawURL, size string) (string, string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", "", fmt.Errorf("empty image url")
	}
	if size == "" {
		size = exportedSize
	}
	if !ValidImageSize(size) {
		return "", "", fmt.Errorf("unknown image size %q", size)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse image url: %w", err)
	}
	dir, base := path.Split(u.Path)
	ext := strings.ToLower(path.Ext(base))
	if ext == ".gif" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedImage, base)
	}
	if size != exportedSize {
		u.Path = dir + strings.Replace(base, exportedSize, size, 1)
	}
	if ext == "" || ext == "." {
		ext = ".jpg"
	}
	return u.String(), ext, nil
}

// ImageContentType maps a persisted extension to a MIME type.
func ImageContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// ImagePath is the blob path an observation's image is stored under.
func ImagePath(prefix string, observationID int64, ext string) string {
	name := fmt.Sprintf("%d%s", observationID, ext)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
