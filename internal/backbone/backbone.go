// Package backbone defines the fixed convolutional classifier skeleton that
// checkpoints are bound into. The network is an explicit layer list so the
// last spatial layer can be located by scanning from the output toward the
// input, and so a class-seeded backward pass can be replayed over the layers
// behind the classification head.
package backbone

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/herdvision/herdvision/internal/tensor"
)

// InputSize is the spatial size the network expects after preprocessing.
const InputSize = 224

// Layer is one stage of the skeleton.
type Layer interface {
	forward(x *tensor.Tensor) (*tensor.Tensor, any, error)
	// backward maps the gradient at this layer's output to the gradient at
	// its input, using the context saved by the matching forward call.
	backward(grad *tensor.Tensor, ctx any) (*tensor.Tensor, error)
}

// Conv2D is a named convolution stage.
type Conv2D struct {
	Name   string
	Stride int
	Pad    int
	Weight *tensor.Tensor // (outC, inC, k, k)
	Bias   *tensor.Tensor // (outC)
}

func (c *Conv2D) forward(x *tensor.Tensor) (*tensor.Tensor, any, error) {
	out, err := tensor.Conv2D(x, c.Weight, c.Bias, c.Stride, c.Pad)
	return out, nil, err
}

// backward is not needed behind the capture point; the saliency pass stops
// at the deepest convolution's output.
func (c *Conv2D) backward(grad *tensor.Tensor, _ any) (*tensor.Tensor, error) {
	return nil, fmt.Errorf("backbone: backward through conv %q is not supported", c.Name)
}

type relu struct{}

func (relu) forward(x *tensor.Tensor) (*tensor.Tensor, any, error) {
	return tensor.ReLU(x), x, nil
}

func (relu) backward(grad *tensor.Tensor, ctx any) (*tensor.Tensor, error) {
	input, ok := ctx.(*tensor.Tensor)
	if !ok {
		return nil, errors.New("backbone: relu backward missing forward context")
	}
	out := grad.Clone()
	for i := range out.Data {
		if input.Data[i] <= 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

type maxPool struct {
	kernel int
	stride int
}

type maxPoolCtx struct {
	inShape []int
	argmax  []int
}

func (p *maxPool) forward(x *tensor.Tensor) (*tensor.Tensor, any, error) {
	out, argmax, err := tensor.MaxPool2D(x, p.kernel, p.stride)
	if err != nil {
		return nil, nil, err
	}
	return out, &maxPoolCtx{inShape: x.Shape, argmax: argmax}, nil
}

func (p *maxPool) backward(grad *tensor.Tensor, ctx any) (*tensor.Tensor, error) {
	mc, ok := ctx.(*maxPoolCtx)
	if !ok {
		return nil, errors.New("backbone: maxpool backward missing forward context")
	}
	out := tensor.New(mc.inShape...)
	for i, src := range mc.argmax {
		if src >= 0 {
			out.Data[src] += grad.Data[i]
		}
	}
	return out, nil
}

type globalAvgPool struct{}

func (globalAvgPool) forward(x *tensor.Tensor) (*tensor.Tensor, any, error) {
	out, err := tensor.GlobalAvgPool(x)
	return out, x.Shape, err
}

func (globalAvgPool) backward(grad *tensor.Tensor, ctx any) (*tensor.Tensor, error) {
	shape, ok := ctx.([]int)
	if !ok || len(shape) != 3 {
		return nil, errors.New("backbone: avgpool backward missing forward context")
	}
	c, h, w := shape[0], shape[1], shape[2]
	out := tensor.New(c, h, w)
	area := float32(h * w)
	for ch := 0; ch < c; ch++ {
		g := grad.Data[ch] / area
		base := ch * h * w
		for i := 0; i < h*w; i++ {
			out.Data[base+i] = g
		}
	}
	return out, nil
}

// Linear is the named classification head.
type Linear struct {
	Name   string
	Weight *tensor.Tensor // (out, in)
	Bias   *tensor.Tensor // (out)
}

func (l *Linear) forward(x *tensor.Tensor) (*tensor.Tensor, any, error) {
	out, err := tensor.Linear(x, l.Weight, l.Bias)
	return out, nil, err
}

func (l *Linear) backward(grad *tensor.Tensor, _ any) (*tensor.Tensor, error) {
	outN, inN := l.Weight.Shape[0], l.Weight.Shape[1]
	if len(grad.Data) != outN {
		return nil, fmt.Errorf("backbone: linear gradient size %d does not match %d outputs", len(grad.Data), outN)
	}
	out := tensor.New(inN)
	for o := 0; o < outN; o++ {
		g := grad.Data[o]
		if g == 0 {
			continue
		}
		row := o * inN
		for i := 0; i < inN; i++ {
			out.Data[i] += l.Weight.Data[row+i] * g
		}
	}
	return out, nil
}

// Network is the fixed skeleton: four conv/relu/pool stages, global average
// pooling, and a linear head sized to the class count.
type Network struct {
	layers     []Layer
	numClasses int
}

var stageChannels = []int{3, 16, 32, 64, 128}

// New builds a skeleton for the given class count. Parameters are
// deterministically initialized and expected to be overwritten by a bound
// checkpoint.
func New(numClasses int) (*Network, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("backbone: class count must be at least 1, got %d", numClasses)
	}

	rng := rand.New(rand.NewSource(1))
	layers := make([]Layer, 0, 14)
	for i := 0; i < len(stageChannels)-1; i++ {
		inC, outC := stageChannels[i], stageChannels[i+1]
		layers = append(layers,
			&Conv2D{
				Name:   fmt.Sprintf("conv%d", i+1),
				Stride: 1,
				Pad:    1,
				Weight: kaimingInit(rng, outC, inC, 3),
				Bias:   tensor.New(outC),
			},
			relu{},
			&maxPool{kernel: 2, stride: 2},
		)
	}
	layers = append(layers, globalAvgPool{}, &Linear{
		Name:   "fc",
		Weight: linearInit(rng, numClasses, stageChannels[len(stageChannels)-1]),
		Bias:   tensor.New(numClasses),
	})

	return &Network{layers: layers, numClasses: numClasses}, nil
}

func kaimingInit(rng *rand.Rand, outC, inC, k int) *tensor.Tensor {
	t := tensor.New(outC, inC, k, k)
	scale := float32(math.Sqrt(2.0 / float64(inC*k*k)))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * scale
	}
	return t
}

func linearInit(rng *rand.Rand, out, in int) *tensor.Tensor {
	t := tensor.New(out, in)
	scale := float32(1.0 / math.Sqrt(float64(in)))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * scale
	}
	return t
}

// NumClasses reports the width of the classification head.
func (n *Network) NumClasses() int { return n.numClasses }

// Params returns the named parameter tensors ("conv1.weight", "fc.bias", ...).
// The returned tensors are the live ones; binding writes into them.
func (n *Network) Params() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, l := range n.layers {
		switch t := l.(type) {
		case *Conv2D:
			out[t.Name+".weight"] = t.Weight
			out[t.Name+".bias"] = t.Bias
		case *Linear:
			out[t.Name+".weight"] = t.Weight
			out[t.Name+".bias"] = t.Bias
		}
	}
	return out
}

// LastConvIndex scans the layer list from the output toward the input and
// returns the index of the deepest convolution, or -1 if none exists.
func (n *Network) LastConvIndex() int {
	for i := len(n.layers) - 1; i >= 0; i-- {
		if _, ok := n.layers[i].(*Conv2D); ok {
			return i
		}
	}
	return -1
}

// RunState holds one request's forward tape. It is created per run so the
// shared network is never mutated; dropping it releases every captured
// activation, which keeps gradient state scoped to a single request.
type RunState struct {
	net     *Network
	logits  []float32
	outputs []*tensor.Tensor
	ctxs    []any
}

// Forward runs the input through every layer, recording per-layer outputs
// and backward contexts. Input must be CHW with 3 channels.
func (n *Network) Forward(x *tensor.Tensor) (*RunState, error) {
	c, _, _, err := x.Dims3()
	if err != nil {
		return nil, err
	}
	if c != stageChannels[0] {
		return nil, fmt.Errorf("backbone: expected %d input channels, got %d", stageChannels[0], c)
	}

	state := &RunState{
		net:     n,
		outputs: make([]*tensor.Tensor, len(n.layers)),
		ctxs:    make([]any, len(n.layers)),
	}
	cur := x
	for i, l := range n.layers {
		out, ctx, err := l.forward(cur)
		if err != nil {
			return nil, fmt.Errorf("backbone: layer %d forward: %w", i, err)
		}
		state.outputs[i] = out
		state.ctxs[i] = ctx
		cur = out
	}
	state.logits = append([]float32(nil), cur.Data...)
	return state, nil
}

// Logits returns the raw class scores of this run.
func (s *RunState) Logits() []float32 {
	return append([]float32(nil), s.logits...)
}

// ActivationAt returns the recorded output of the given layer.
func (s *RunState) ActivationAt(layerIdx int) (*tensor.Tensor, error) {
	if layerIdx < 0 || layerIdx >= len(s.outputs) {
		return nil, fmt.Errorf("backbone: layer index %d out of range", layerIdx)
	}
	return s.outputs[layerIdx], nil
}

// BackwardTo seeds a one-hot gradient at the given class logit and replays
// the recorded layers in reverse, returning the gradient of that logit with
// respect to the output of layerIdx.
func (s *RunState) BackwardTo(layerIdx, classIdx int) (*tensor.Tensor, error) {
	if layerIdx < 0 || layerIdx >= len(s.outputs) {
		return nil, fmt.Errorf("backbone: layer index %d out of range", layerIdx)
	}
	if classIdx < 0 || classIdx >= len(s.logits) {
		return nil, fmt.Errorf("backbone: class index %d out of range", classIdx)
	}

	grad := tensor.New(len(s.logits))
	grad.Data[classIdx] = 1

	for i := len(s.net.layers) - 1; i > layerIdx; i-- {
		var err error
		grad, err = s.net.layers[i].backward(grad, s.ctxs[i])
		if err != nil {
			return nil, fmt.Errorf("backbone: layer %d backward: %w", i, err)
		}
	}
	return grad, nil
}
