package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var ErrEmptyCrop = errors.New("crop region is empty")

// DecodeImage decodes a source photo, applying its EXIF orientation so crop
// coordinates match what the reviewer saw.
func DecodeImage(data []byte) (image.Image, error) {
	const op = "workflow.DecodeImage"
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// CropPNG cuts rect out of src and encodes it as PNG. rect is clipped to the
// image bounds.
func CropPNG(src image.Image, rect image.Rectangle) ([]byte, error) {
	const op = "workflow.CropPNG"

	r := rect.Canon().Intersect(src.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrEmptyCrop, rect)
	}

	cropped := imaging.Crop(src, r)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, cropped, imaging.PNG); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return buf.Bytes(), nil
}
