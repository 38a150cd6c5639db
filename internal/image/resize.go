package image

import (
	"bytes"
	"fmt"
	stdimage "image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/manash/lingolens/pkg/models"
)

const jpegQuality = 85

// Downscale shrinks img so its longest side is at most maxDim pixels. Images
// already within bounds, and formats the decoder does not know, are returned
// unchanged. PNG stays PNG; everything else is re-encoded as JPEG.
func Downscale(img *models.Image, maxDim int) (*models.Image, error) {
	if maxDim <= 0 {
		return img, nil
	}

	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return img, nil
	}
	if cfg.Width <= maxDim && cfg.Height <= maxDim {
		return img, nil
	}

	src, _, err := stdimage.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", models.ErrInvalidPayload, err)
	}

	w, h := fitWithin(cfg.Width, cfg.Height, maxDim)
	dst := stdimage.NewRGBA(stdimage.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	mimeType := "image/jpeg"
	if img.MIMEType == "image/png" {
		mimeType = "image/png"
		err = png.Encode(&buf, dst)
	} else {
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}

	return &models.Image{Data: buf.Bytes(), MIMEType: mimeType, Source: img.Source}, nil
}

func fitWithin(w, h, maxDim int) (int, int) {
	if w >= h {
		nh := h * maxDim / w
		if nh < 1 {
			nh = 1
		}
		return maxDim, nh
	}
	nw := w * maxDim / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxDim
}
