package render

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Thumbnail scales a screenshot down to width pixels and re-encodes it as JPEG.
func Thumbnail(screenshot []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = 320
	}
	img, err := imaging.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
