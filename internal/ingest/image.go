package ingest

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// extractImage stores the original image bytes and derives a thumbnail
// bounded by the pipeline's configured max edge, preserving aspect ratio.
func (p *Pipeline) extractImage(src Source) (extracted, error) {
	if len(src.Bytes) == 0 {
		return extracted{}, fmt.Errorf("image source requires inline bytes")
	}
	img, format, err := image.Decode(bytes.NewReader(src.Bytes))
	if err != nil {
		return extracted{}, fmt.Errorf("decode image: %w", err)
	}

	maxEdge := p.ThumbnailMaxEdge
	if maxEdge <= 0 {
		maxEdge = 2048
	}
	thumb := resizeToMaxEdge(img, maxEdge)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return extracted{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	return extracted{
		rawBytes: src.Bytes,
		mime:     "image/" + format,
		images:   []extractedImage{{page: 0, bytes: buf.Bytes()}},
	}, nil
}

// resizeToMaxEdge scales img so its longer edge equals maxEdge, leaving it
// untouched when it already fits.
func resizeToMaxEdge(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge {
		return img
	}

	scale := float64(maxEdge) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
