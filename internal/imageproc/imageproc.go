// Package imageproc decodes uploaded images and renders the stored JPEG and
// its thumbnail.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	ThumbnailSize = 100
	JPEGQuality   = 90
)

var (
	white       = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	thumbnailBg = color.NRGBA{R: 240, G: 240, B: 240, A: 255}
)

// Decode reads any registered format (JPEG, PNG, GIF, WebP), applying EXIF
// orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}
	return img, nil
}

// Flatten composites img over an opaque white canvas so transparent pixels
// become white.
func Flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), white)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// EncodeJPEG flattens and encodes img as the stored rendition.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Flatten(img), imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail fits img into 100x100 keeping its aspect ratio. It never fails:
// anything that goes wrong yields the blank placeholder instead.
func Thumbnail(img image.Image) (thumb []byte) {
	defer func() {
		if recover() != nil {
			thumb = BlankThumbnail()
		}
	}()
	if img == nil || img.Bounds().Empty() {
		return BlankThumbnail()
	}

	fitted := imaging.Fit(Flatten(img), ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return BlankThumbnail()
	}
	return buf.Bytes()
}

func BlankThumbnail() []byte {
	var buf bytes.Buffer
	blank := imaging.New(ThumbnailSize, ThumbnailSize, thumbnailBg)
	// Encoding an in-memory NRGBA into a buffer cannot fail.
	_ = imaging.Encode(&buf, blank, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
	return buf.Bytes()
}
