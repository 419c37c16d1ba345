// Package imageproc turns encoded chest X-ray views into normalized CHW
// float32 pixels.
package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

var (
	ImageNetDefaultMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD  = [3]float32{0.229, 0.224, 0.225}
)

// NumChannels is the channel count Normalize produces. Grayscale views are
// replicated into all three.
const NumChannels = 3

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

var kernels = map[int]draw.Interpolator{
	ResizeBilinear:        draw.BiLinear,
	ResizeNearestNeighbor: draw.NearestNeighbor,
	ResizeApproxBilinear:  draw.ApproxBiLinear,
	ResizeCatmullrom:      draw.CatmullRom,
}

// Decode reads a PNG, JPEG, BMP, TIFF or WebP image.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	return img, format, nil
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Normalize rescales each pixel to [0, 1] and standardizes it per channel.
// The result is channel first: all red values, then green, then blue.
func Normalize(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	plane := bounds.Dx() * bounds.Dy()
	pixelVals := make([]float32, NumChannels*plane)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			pixelVals[i] = (float32(r>>8)/255.0 - mean[0]) / std[0]
			pixelVals[plane+i] = (float32(g>>8)/255.0 - mean[1]) / std[1]
			pixelVals[2*plane+i] = (float32(b>>8)/255.0 - mean[2]) / std[2]
			i++
		}
	}

	return pixelVals
}

// Preprocess decodes one view and returns [3, size, size] normalized pixels.
func Preprocess(data []byte, size int) ([]float32, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	img = Composite(img)
	img = Resize(img, image.Point{X: size, Y: size}, ResizeBilinear)
	return Normalize(img, ImageNetDefaultMean, ImageNetDefaultSTD), nil
}

// Study preprocesses the views of one study concurrently and concatenates
// them in view order into [views, 3, size, size].
func Study(ctx context.Context, views [][]byte, size int) ([]float32, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("no images")
	}

	pixels := make([][]float32, len(views))
	g, _ := errgroup.WithContext(ctx)
	for i, data := range views {
		g.Go(func() error {
			p, err := Preprocess(data, size)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}

			pixels[i] = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stride := NumChannels * size * size
	out := make([]float32, 0, len(views)*stride)
	for _, p := range pixels {
		out = append(out, p...)
	}

	return out, nil
}
