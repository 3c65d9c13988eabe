package litecomics

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	// decoders
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var errEmptyImage = errors.New("image has no pixels")

// scaleThumbnail downsizes an encoded page so its longer side is at most maxDim and
// re-encodes it as JPEG. Images already within bounds are returned unchanged.
func scaleThumbnail(data []byte, maxDim int) ([]byte, bool, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	if cfg.Width <= maxDim && cfg.Height <= maxDim {
		return data, false, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, false, errEmptyImage
	}

	nw, nh := w, h
	if w > h {
		nw = maxDim
		nh = int(float64(h) * (float64(maxDim) / float64(w)))
	} else {
		nh = maxDim
		nw = int(float64(w) * (float64(maxDim) / float64(h)))
	}
	nw, nh = max(nw, 1), max(nh, 1)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, false, err
	}
	return out.Bytes(), true, nil
}
