// Package cifar loads the CIFAR-10 dataset from its binary distribution
// (the cifar-10-batches-bin archive) and exposes it through the training
// Dataset interface.
package cifar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gograd/gograd/tensor"
	"github.com/gograd/gograd/vision/transforms"
)

const (
	// ImageSize is the width and height of a CIFAR-10 image.
	ImageSize = 32
	// Channels is the number of color planes.
	Channels = 3
	// NumClasses is the number of CIFAR-10 categories.
	NumClasses = 10

	pixelsPerImage = Channels * ImageSize * ImageSize
	recordSize     = 1 + pixelsPerImage
	recordsPerFile = 10000
)

// ClassNames are the CIFAR-10 category names in label order.
var ClassNames = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// Per-channel mean and standard deviation of the training set, for
// normalization after scaling pixels to [0, 1].
var (
	Mean = []float32{0.4914, 0.4822, 0.4465}
	Std  = []float32{0.2470, 0.2435, 0.2616}
)

var trainFiles = []string{
	"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
	"data_batch_4.bin", "data_batch_5.bin",
}

// Dataset holds CIFAR-10 images in memory as [0, 1] floats and serves them
// as [3, 32, 32] tensors, applying an optional transform per access.
type Dataset struct {
	images    []float32
	labels    []int32
	transform transforms.Transform
}

// LoadTraining reads the five training batches from dir.
func LoadTraining(dir string) (*Dataset, error) {
	return load(dir, trainFiles)
}

// LoadTest reads the test batch from dir.
func LoadTest(dir string) (*Dataset, error) {
	return load(dir, []string{"test_batch.bin"})
}

func load(dir string, files []string) (*Dataset, error) {
	ds := &Dataset{
		images: make([]float32, 0, len(files)*recordsPerFile*pixelsPerImage),
		labels: make([]int32, 0, len(files)*recordsPerFile),
	}
	for _, name := range files {
		if err := ds.readBatchFile(filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// readBatchFile parses one binary batch file. Each record is one label byte
// followed by 3072 pixel bytes in channel-major order (R plane, G plane,
// B plane).
func (ds *Dataset) readBatchFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open CIFAR batch: %v", err)
	}
	defer f.Close()

	record := make([]byte, recordSize)
	for {
		_, err := io.ReadFull(f, record)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read record from %s: %v", path, err)
		}

		label := int32(record[0])
		if label < 0 || label >= NumClasses {
			return fmt.Errorf("invalid label %d in %s", label, path)
		}
		ds.labels = append(ds.labels, label)
		for _, b := range record[1:] {
			ds.images = append(ds.images, float32(b)/255.0)
		}
	}
}

// SetTransform installs a transform applied to every sample on access.
func (ds *Dataset) SetTransform(t transforms.Transform) {
	ds.transform = t
}

func (ds *Dataset) Len() int {
	return len(ds.labels)
}

// Get returns sample idx as a [3, 32, 32] tensor and its label as a
// one-element Int32 tensor.
func (ds *Dataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= ds.Len() {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, ds.Len())
	}

	pixels := append([]float32(nil), ds.images[idx*pixelsPerImage:(idx+1)*pixelsPerImage]...)
	img, err := tensor.NewTensor([]int{Channels, ImageSize, ImageSize}, tensor.Float32, pixels)
	if err != nil {
		return nil, nil, err
	}
	if ds.transform != nil {
		img, err = ds.transform.Apply(img)
		if err != nil {
			return nil, nil, fmt.Errorf("transform failed for sample %d: %v", idx, err)
		}
	}

	label, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{ds.labels[idx]})
	if err != nil {
		return nil, nil, err
	}
	return img, label, nil
}

// Label returns the raw class index of sample idx.
func (ds *Dataset) Label(idx int) int32 {
	return ds.labels[idx]
}

// Split partitions the dataset into two views at sample n, e.g. to carve a
// validation set off the training batches. Both views share the underlying
// pixel storage.
func (ds *Dataset) Split(n int) (*Dataset, *Dataset, error) {
	if n <= 0 || n >= ds.Len() {
		return nil, nil, fmt.Errorf("split point %d out of range (0, %d)", n, ds.Len())
	}
	first := &Dataset{
		images:    ds.images[:n*pixelsPerImage],
		labels:    ds.labels[:n],
		transform: ds.transform,
	}
	second := &Dataset{
		images:    ds.images[n*pixelsPerImage:],
		labels:    ds.labels[n:],
		transform: ds.transform,
	}
	return first, second, nil
}

// ClassCounts tallies how many samples each class has.
func (ds *Dataset) ClassCounts() [NumClasses]int {
	var counts [NumClasses]int
	for _, l := range ds.labels {
		counts[l]++
	}
	return counts
}
