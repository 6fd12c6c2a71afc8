// Package tensor implements the small set of float32 tensor operations the
// classifier skeleton needs: convolution, pooling, activation, a linear
// layer, softmax, and bilinear resampling. Layouts are CHW for spatial
// tensors and flat vectors elsewhere.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, Numel(shape))}
}

// FromData wraps data in a tensor, validating the element count.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != Numel(shape) {
		return nil, fmt.Errorf("tensor: %d values do not fit shape %v (want %d)", len(data), shape, Numel(shape))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Numel returns the element count implied by a shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Dims3 interprets the tensor as CHW and returns its dimensions.
func (t *Tensor) Dims3() (c, h, w int, err error) {
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("tensor: expected 3 dims (CHW), got %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

// Conv2D applies a 2D convolution to a CHW input. Weight shape is
// (outC, inC, k, k); bias may be nil.
func Conv2D(input, weight, bias *Tensor, stride, pad int) (*Tensor, error) {
	inC, inH, inW, err := input.Dims3()
	if err != nil {
		return nil, err
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("tensor: conv weight must be 4-d, got %v", weight.Shape)
	}
	outC, wInC, kH, kW := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if wInC != inC {
		return nil, fmt.Errorf("tensor: conv input channels %d do not match weight %d", inC, wInC)
	}
	if stride <= 0 {
		stride = 1
	}

	outH := (inH+2*pad-kH)/stride + 1
	outW := (inW+2*pad-kW)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("tensor: conv output would be empty for input %dx%d kernel %dx%d", inH, inW, kH, kW)
	}

	out := New(outC, outH, outW)
	for oc := 0; oc < outC; oc++ {
		var b float32
		if bias != nil {
			b = bias.Data[oc]
		}
		wBase := oc * inC * kH * kW
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				sum := b
				for ic := 0; ic < inC; ic++ {
					inBase := ic * inH * inW
					kBase := wBase + ic*kH*kW
					for ky := 0; ky < kH; ky++ {
						iy := oy*stride + ky - pad
						if iy < 0 || iy >= inH {
							continue
						}
						rowBase := inBase + iy*inW
						kRow := kBase + ky*kW
						for kx := 0; kx < kW; kx++ {
							ix := ox*stride + kx - pad
							if ix < 0 || ix >= inW {
								continue
							}
							sum += input.Data[rowBase+ix] * weight.Data[kRow+kx]
						}
					}
				}
				out.Data[(oc*outH+oy)*outW+ox] = sum
			}
		}
	}
	return out, nil
}

// ReLU returns max(x, 0) elementwise in a new tensor.
func ReLU(input *Tensor) *Tensor {
	out := input.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

// MaxPool2D applies max pooling with the given window and stride to a CHW
// input. It also returns the flat input index chosen per output cell so a
// backward pass can route gradients.
func MaxPool2D(input *Tensor, kernel, stride int) (*Tensor, []int, error) {
	c, h, w, err := input.Dims3()
	if err != nil {
		return nil, nil, err
	}
	if kernel <= 0 {
		return nil, nil, fmt.Errorf("tensor: pool kernel must be positive, got %d", kernel)
	}
	if stride <= 0 {
		stride = kernel
	}
	outH := (h - kernel) / stride + 1
	outW := (w - kernel) / stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, fmt.Errorf("tensor: pool output would be empty for input %dx%d window %d", h, w, kernel)
	}

	out := New(c, outH, outW)
	argmax := make([]int, c*outH*outW)
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < kernel; ky++ {
					iy := oy*stride + ky
					if iy >= h {
						continue
					}
					for kx := 0; kx < kernel; kx++ {
						ix := ox*stride + kx
						if ix >= w {
							continue
						}
						idx := base + iy*w + ix
						if input.Data[idx] > best {
							best = input.Data[idx]
							bestIdx = idx
						}
					}
				}
				o := (ch*outH+oy)*outW + ox
				out.Data[o] = best
				argmax[o] = bestIdx
			}
		}
	}
	return out, argmax, nil
}

// GlobalAvgPool reduces a CHW tensor to a length-C vector of spatial means.
func GlobalAvgPool(input *Tensor) (*Tensor, error) {
	c, h, w, err := input.Dims3()
	if err != nil {
		return nil, err
	}
	out := New(c)
	area := float32(h * w)
	for ch := 0; ch < c; ch++ {
		var sum float32
		base := ch * h * w
		for i := 0; i < h*w; i++ {
			sum += input.Data[base+i]
		}
		out.Data[ch] = sum / area
	}
	return out, nil
}

// Linear computes weight·x + bias for a flat input vector. Weight shape is
// (out, in); bias may be nil.
func Linear(input, weight, bias *Tensor) (*Tensor, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be 2-d, got %v", weight.Shape)
	}
	outN, inN := weight.Shape[0], weight.Shape[1]
	if len(input.Data) != inN {
		return nil, fmt.Errorf("tensor: linear input size %d does not match weight %v", len(input.Data), weight.Shape)
	}
	out := New(outN)
	for o := 0; o < outN; o++ {
		var sum float32
		if bias != nil {
			sum = bias.Data[o]
		}
		row := o * inN
		for i := 0; i < inN; i++ {
			sum += weight.Data[row+i] * input.Data[i]
		}
		out.Data[o] = sum
	}
	return out, nil
}

// Softmax converts logits into a probability distribution, shifting by the
// max logit for numerical stability.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		out[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		uniform := float32(1) / float32(len(logits))
		for i := range out {
			out[i] = uniform
		}
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// BilinearResize resamples a single-channel HW grid to the target size.
func BilinearResize(src []float32, srcH, srcW, dstH, dstW int) []float32 {
	if srcH <= 0 || srcW <= 0 || dstH <= 0 || dstW <= 0 {
		return nil
	}
	out := make([]float32, dstH*dstW)
	scaleY := float64(srcH) / float64(dstH)
	scaleX := float64(srcW) / float64(dstW)
	for y := 0; y < dstH; y++ {
		sy := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		y1 := y0 + 1
		y0 = clampIdx(y0, srcH)
		y1 = clampIdx(y1, srcH)
		for x := 0; x < dstW; x++ {
			sx := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)
			x1 := x0 + 1
			x0 = clampIdx(x0, srcW)
			x1 = clampIdx(x1, srcW)

			top := float64(src[y0*srcW+x0])*(1-fx) + float64(src[y0*srcW+x1])*fx
			bot := float64(src[y1*srcW+x0])*(1-fx) + float64(src[y1*srcW+x1])*fx
			out[y*dstW+x] = float32(top*(1-fy) + bot*fy)
		}
	}
	return out
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
