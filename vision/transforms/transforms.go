// Package transforms provides image tensor transformations for data
// augmentation and normalization. Transforms operate on single samples of
// shape [channels, height, width].
package transforms

import (
	"fmt"
	"math/rand"

	"github.com/gograd/gograd/tensor"
)

var rng = rand.New(rand.NewSource(1))

// SetRandomSeed makes the stochastic transforms deterministic.
func SetRandomSeed(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

// Transform maps one image tensor to another.
type Transform interface {
	Apply(img *tensor.Tensor) (*tensor.Tensor, error)
}

// Compose chains transforms in order.
type Compose struct {
	transforms []Transform
}

func NewCompose(transforms ...Transform) *Compose {
	return &Compose{transforms: transforms}
}

func (c *Compose) Apply(img *tensor.Tensor) (*tensor.Tensor, error) {
	out := img
	var err error
	for i, t := range c.transforms {
		out, err = t.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("transform %d (%T) failed: %v", i, t, err)
		}
	}
	return out, nil
}

// Normalize shifts and scales each channel: (x - mean) / std.
type Normalize struct {
	Mean []float32
	Std  []float32
}

func NewNormalize(mean, std []float32) (*Normalize, error) {
	if len(mean) != len(std) {
		return nil, fmt.Errorf("mean has %d channels, std has %d", len(mean), len(std))
	}
	for i, s := range std {
		if s == 0 {
			return nil, fmt.Errorf("std for channel %d is zero", i)
		}
	}
	return &Normalize{Mean: mean, Std: std}, nil
}

func (n *Normalize) Apply(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("normalize expects [channels, height, width], got shape %v", img.Shape)
	}
	c := img.Shape[0]
	if c != len(n.Mean) {
		return nil, fmt.Errorf("image has %d channels, normalize configured for %d", c, len(n.Mean))
	}

	out, err := tensor.NewTensor(img.Shape, tensor.Float32, nil)
	if err != nil {
		return nil, err
	}
	src := img.Data.([]float32)
	dst := out.Data.([]float32)
	plane := img.Shape[1] * img.Shape[2]
	for ch := 0; ch < c; ch++ {
		mean, std := n.Mean[ch], n.Std[ch]
		for i := ch * plane; i < (ch+1)*plane; i++ {
			dst[i] = (src[i] - mean) / std
		}
	}
	return out, nil
}

// RandomHorizontalFlip mirrors the image left-right with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func NewRandomHorizontalFlip(p float64) *RandomHorizontalFlip {
	return &RandomHorizontalFlip{P: p}
}

func (f *RandomHorizontalFlip) Apply(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("flip expects [channels, height, width], got shape %v", img.Shape)
	}
	if rng.Float64() >= f.P {
		return img, nil
	}

	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	out, err := tensor.NewTensor(img.Shape, tensor.Float32, nil)
	if err != nil {
		return nil, err
	}
	src := img.Data.([]float32)
	dst := out.Data.([]float32)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := (ch*h + y) * w
			for x := 0; x < w; x++ {
				dst[row+x] = src[row+w-1-x]
			}
		}
	}
	return out, nil
}

// RandomShift translates the image by a random offset of up to Max pixels
// on each axis, filling vacated pixels with zeros.
type RandomShift struct {
	Max int
}

func NewRandomShift(max int) (*RandomShift, error) {
	if max < 0 {
		return nil, fmt.Errorf("shift must be non-negative, got %d", max)
	}
	return &RandomShift{Max: max}, nil
}

func (rs *RandomShift) Apply(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("shift expects [channels, height, width], got shape %v", img.Shape)
	}
	if rs.Max == 0 {
		return img, nil
	}
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	dy := rng.Intn(2*rs.Max+1) - rs.Max
	dx := rng.Intn(2*rs.Max+1) - rs.Max

	out, err := tensor.NewTensor(img.Shape, tensor.Float32, nil)
	if err != nil {
		return nil, err
	}
	src := img.Data.([]float32)
	dst := out.Data.([]float32)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			srcY := y - dy
			if srcY < 0 || srcY >= h {
				continue // vacated rows stay zero
			}
			for x := 0; x < w; x++ {
				srcX := x - dx
				if srcX < 0 || srcX >= w {
					continue
				}
				dst[(ch*h+y)*w+x] = src[(ch*h+srcY)*w+srcX]
			}
		}
	}
	return out, nil
}

// RandomCrop pads the image with zeros on all sides and crops a random
// window back to the original size. This is the standard CIFAR augmentation.
type RandomCrop struct {
	Size    int
	Padding int
}

func NewRandomCrop(size, padding int) (*RandomCrop, error) {
	if size <= 0 {
		return nil, fmt.Errorf("crop size must be positive, got %d", size)
	}
	if padding < 0 {
		return nil, fmt.Errorf("padding must be non-negative, got %d", padding)
	}
	return &RandomCrop{Size: size, Padding: padding}, nil
}

func (rc *RandomCrop) Apply(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("crop expects [channels, height, width], got shape %v", img.Shape)
	}
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	padH, padW := h+2*rc.Padding, w+2*rc.Padding
	if rc.Size > padH || rc.Size > padW {
		return nil, fmt.Errorf("crop size %d exceeds padded image %dx%d", rc.Size, padH, padW)
	}

	top := rng.Intn(padH - rc.Size + 1)
	left := rng.Intn(padW - rc.Size + 1)

	out, err := tensor.NewTensor([]int{c, rc.Size, rc.Size}, tensor.Float32, nil)
	if err != nil {
		return nil, err
	}
	src := img.Data.([]float32)
	dst := out.Data.([]float32)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < rc.Size; y++ {
			srcY := top + y - rc.Padding
			if srcY < 0 || srcY >= h {
				continue // padded rows stay zero
			}
			for x := 0; x < rc.Size; x++ {
				srcX := left + x - rc.Padding
				if srcX < 0 || srcX >= w {
					continue
				}
				dst[(ch*rc.Size+y)*rc.Size+x] = src[(ch*h+srcY)*w+srcX]
			}
		}
	}
	return out, nil
}
