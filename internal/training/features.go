package training

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

var laplacian = [9]float64{
	-1, -1, -1,
	-1, 8, -1,
	-1, -1, -1,
}

// resample center-crops img to a square of the architecture's resolution.
func resample(img image.Image, res int) *image.NRGBA {
	return imaging.Fill(img, res, res, imaging.Center, imaging.Linear)
}

// colorGrid averages img over a cells x cells grid, three values per cell.
func colorGrid(img image.Image, cells int) []float64 {
	small := imaging.Resize(img, cells, cells, imaging.Box)
	out := make([]float64, 0, cells*cells*3)
	for i := 0; i < len(small.Pix); i += 4 {
		out = append(out,
			float64(small.Pix[i])/255,
			float64(small.Pix[i+1])/255,
			float64(small.Pix[i+2])/255)
	}
	return out
}

// grayGrid averages luminance over a cells x cells grid.
func grayGrid(img image.Image, cells int) []float64 {
	small := imaging.Resize(imaging.Grayscale(img), cells, cells, imaging.Box)
	out := make([]float64, 0, cells*cells)
	for i := 0; i < len(small.Pix); i += 4 {
		out = append(out, float64(small.Pix[i])/255)
	}
	return out
}

// edgeGrid is the mean Laplacian response per cell.
func edgeGrid(img image.Image, cells int) []float64 {
	edges := imaging.Convolve3x3(imaging.Grayscale(img), laplacian, &imaging.ConvolveOptions{Abs: true})
	return grayGrid(edges, cells)
}

// lumaHistogram is the normalized luminance distribution over bins buckets.
func lumaHistogram(img *image.NRGBA, bins int) []float64 {
	hist := make([]float64, bins)
	b := img.Bounds()
	total := 0.0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.NRGBAAt(x, y)).(color.Gray)
			hist[int(g.Y)*bins/256]++
			total++
		}
	}
	if total > 0 {
		for i := range hist {
			hist[i] /= total
		}
	}
	return hist
}

// channelHistogram concatenates a normalized histogram per RGB channel.
func channelHistogram(img *image.NRGBA, bins int) []float64 {
	hist := make([]float64, 3*bins)
	n := 0.0
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			hist[c*bins+int(img.Pix[i+c])*bins/256]++
		}
		n++
	}
	if n > 0 {
		for i := range hist {
			hist[i] /= n
		}
	}
	return hist
}
