package gradcam

import (
	"image"
	"math"

	"github.com/nfnt/resize"

	"github.com/herdvision/herdvision/internal/backbone"
	"github.com/herdvision/herdvision/internal/tensor"
)

const (
	resizeShortSide = 256
	cropSize        = backbone.InputSize
)

// Channel statistics the backbone was trained with.
var (
	normMean = [3]float32{0.485, 0.456, 0.406}
	normStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess converts a decoded RGB image into the normalized CHW tensor the
// backbone expects: short side scaled to 256, center crop to 224, per-channel
// mean/std normalization.
func Preprocess(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var newW, newH uint
	if w <= h {
		newW = resizeShortSide
		newH = uint(math.Round(float64(h) * resizeShortSide / float64(w)))
	} else {
		newH = resizeShortSide
		newW = uint(math.Round(float64(w) * resizeShortSide / float64(h)))
	}
	scaled := resize.Resize(newW, newH, img, resize.Bilinear)

	sb := scaled.Bounds()
	left := sb.Min.X + (sb.Dx()-cropSize)/2
	top := sb.Min.Y + (sb.Dy()-cropSize)/2

	out := tensor.New(3, cropSize, cropSize)
	plane := cropSize * cropSize
	for y := 0; y < cropSize; y++ {
		for x := 0; x < cropSize; x++ {
			r, g, bl, _ := scaled.At(left+x, top+y).RGBA()
			i := y*cropSize + x
			out.Data[i] = (float32(r)/65535 - normMean[0]) / normStd[0]
			out.Data[plane+i] = (float32(g)/65535 - normMean[1]) / normStd[1]
			out.Data[2*plane+i] = (float32(bl)/65535 - normMean[2]) / normStd[2]
		}
	}
	return out
}
