package quality

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
)

// Decode decodes raw image bytes into an image.Image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// grayscale converts an image region into a luminance matrix with values
// in [0, 255].
func grayscale(img image.Image, region image.Rectangle) [][]float64 {
	region = region.Intersect(img.Bounds())
	h := region.Dy()
	w := region.Dx()
	gray := make([][]float64, h)
	for y := 0; y < h; y++ {
		gray[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(region.Min.X+x, region.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, scaled from 16-bit channels.
			gray[y][x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
		}
	}
	return gray
}

// meanBrightness returns the average luminance of a matrix.
func meanBrightness(gray [][]float64) float64 {
	var sum float64
	var count int
	for _, row := range gray {
		for _, v := range row {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// laplacianVariance measures sharpness as the variance of the Laplacian
// over a luminance matrix. Low variance means few edges, so a blurry image.
func laplacianVariance(gray [][]float64) float64 {
	h := len(gray)
	if h < 3 {
		return 0
	}
	w := len(gray[0])
	if w < 3 {
		return 0
	}

	responses := make([]float64, 0, (h-2)*(w-2))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := gray[y-1][x] + gray[y+1][x] + gray[y][x-1] + gray[y][x+1] - 4*gray[y][x]
			responses = append(responses, lap)
		}
	}

	var mean float64
	for _, v := range responses {
		mean += v
	}
	mean /= float64(len(responses))

	var variance float64
	for _, v := range responses {
		d := v - mean
		variance += d * d
	}
	return variance / float64(len(responses))
}

// tiltDegrees returns the absolute eye-line angle relative to horizontal.
func tiltDegrees(leftEye, rightEye []float64) float64 {
	if len(leftEye) != 2 || len(rightEye) != 2 {
		return 0
	}
	dx := rightEye[0] - leftEye[0]
	dy := rightEye[1] - leftEye[1]
	if dx == 0 && dy == 0 {
		return 0
	}
	return math.Abs(math.Atan2(dy, dx) * 180.0 / math.Pi)
}

// bboxRect converts a [x1, y1, x2, y2] bounding box to an image.Rectangle.
func bboxRect(bbox []float64) image.Rectangle {
	if len(bbox) != 4 {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Floor(bbox[0])), int(math.Floor(bbox[1])),
		int(math.Ceil(bbox[2])), int(math.Ceil(bbox[3])),
	)
}

// cropAndScale extracts the face region and scales it to a size x size
// square, encoded as JPEG for the embedding model.
func cropAndScale(img image.Image, region image.Rectangle, size int) ([]byte, error) {
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return nil, fmt.Errorf("face region %v outside image bounds %v", region, img.Bounds())
	}

	crop := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(crop, crop.Bounds(), img, region, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}
	return buf.Bytes(), nil
}
