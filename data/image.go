package data

import (
	"image"
	_ "image/jpeg" // Essential: Registers JPEG format
	_ "image/png"
	"math"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"
	_ "github.com/spakin/netpbm" // GTSRB ships binary ppm (P6)
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"gorgonia.org/tensor"
)

// Channels is the number of colour planes produced by Preprocess.
const Channels = 3

// DecodeFile reads any registered image format (jpeg, png, ppm) from disk.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return src, nil
}

// Resize scales src to a size x size RGBA image.
func Resize(src image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst
}

// Rotate turns img by a uniform random angle in [-maxDeg, maxDeg] about its
// centre. Pixels that fall outside the source are left black.
func Rotate(img *image.RGBA, maxDeg float64, rng *rand.Rand) *image.RGBA {
	deg := (rng.Float64()*2 - 1) * maxDeg
	return RotateDegrees(img, deg)
}

func RotateDegrees(img *image.RGBA, deg float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	if deg == 0 {
		copy(dst.Pix, img.Pix)
		return dst
	}

	theta := deg * math.Pi / 180
	sin, cos := math.Sincos(theta)
	cx := float64(b.Min.X) + float64(b.Dx())/2
	cy := float64(b.Min.Y) + float64(b.Dy())/2

	// src -> dst: rotate about (cx, cy)
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.NearestNeighbor.Transform(dst, m, img, b, draw.Src, nil)
	return dst
}

// ToTensor converts an RGBA image into a (3, H, W) tensor with values in [0, 1].
func ToTensor(img *image.RGBA) *tensor.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float64, Channels*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			i := y*w + x
			out[i] = float64(px[0]) / 255
			out[plane+i] = float64(px[1]) / 255
			out[2*plane+i] = float64(px[2]) / 255
		}
	}
	return tensor.New(tensor.WithShape(Channels, h, w), tensor.WithBacking(out))
}

// Preprocess resizes src, optionally rotates it when rng is non-nil and
// rotation is positive, and returns the (3, size, size) tensor.
func Preprocess(src image.Image, size int, rotation float64, rng *rand.Rand) *tensor.Dense {
	img := Resize(src, size)
	if rng != nil && rotation > 0 {
		img = Rotate(img, rotation, rng)
	}
	return ToTensor(img)
}

// LoadImage decodes path and preprocesses it the way evaluation data is.
func LoadImage(path string, size int) (*tensor.Dense, error) {
	src, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return Preprocess(src, size, 0, nil), nil
}
