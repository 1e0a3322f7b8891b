package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/gograd/gograd/tensor"
)

// Dataset provides indexed access to samples. Get returns the sample tensor
// (without a batch dimension) and its label as a scalar Int32 tensor.
type Dataset interface {
	Len() int
	Get(idx int) (data, label *tensor.Tensor, err error)
}

// Batch is a collated group of samples: Data has shape [batch, ...] and
// Labels holds Int32 class indices of shape [batch].
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
	Size   int
}

// BatchResult carries either a batch or the error that produced it.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// DataLoaderConfig configures batching behavior.
type DataLoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool
	NumWorkers int  // parallel sample loaders per batch; 0 means synchronous
	Prefetch   int  // batches buffered ahead of the consumer
	Seed       int64
}

// DataLoader iterates a Dataset in batches, optionally shuffling each epoch
// and loading samples concurrently.
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	rng     *rand.Rand
}

// NewDataLoader creates a DataLoader over dataset.
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}
	seed := config.Seed
	if seed == 0 {
		seed = 1
	}
	return &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// NumBatches returns the number of batches one epoch yields.
func (dl *DataLoader) NumBatches() int {
	n := dl.dataset.Len() / dl.config.BatchSize
	if !dl.config.DropLast && dl.dataset.Len()%dl.config.BatchSize != 0 {
		n++
	}
	return n
}

// Iterator starts a new epoch and returns a channel of batches. The channel
// is closed when the epoch finishes; iteration stops early after the first
// error.
func (dl *DataLoader) Iterator() <-chan BatchResult {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	out := make(chan BatchResult, dl.config.Prefetch)
	go func() {
		defer close(out)
		for start := 0; start < len(indices); start += dl.config.BatchSize {
			end := start + dl.config.BatchSize
			if end > len(indices) {
				if dl.config.DropLast {
					return
				}
				end = len(indices)
			}
			batch, err := dl.collate(indices[start:end])
			out <- BatchResult{Batch: batch, Err: err}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// collate loads the given samples, in parallel when NumWorkers > 1, and
// stacks them into a single batch.
func (dl *DataLoader) collate(indices []int) (*Batch, error) {
	n := len(indices)
	samples := make([]*tensor.Tensor, n)
	labels := make([]*tensor.Tensor, n)
	errs := make([]error, n)

	workers := dl.config.NumWorkers
	if workers <= 1 {
		for i, idx := range indices {
			samples[i], labels[i], errs[i] = dl.dataset.Get(idx)
		}
	} else {
		var wg sync.WaitGroup
		work := make(chan int)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range work {
					samples[i], labels[i], errs[i] = dl.dataset.Get(indices[i])
				}
			}()
		}
		for i := range indices {
			work <- i
		}
		close(work)
		wg.Wait()
	}

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", indices[i], err)
		}
	}
	return stackBatch(samples, labels)
}

// stackBatch concatenates samples along a new leading batch dimension and
// collapses labels into an Int32 vector.
func stackBatch(samples, labels []*tensor.Tensor) (*Batch, error) {
	n := len(samples)
	sampleShape := samples[0].Shape
	for i := 1; i < n; i++ {
		if !sameShape(samples[i].Shape, sampleShape) {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", i, samples[i].Shape, sampleShape)
		}
	}

	batchShape := append([]int{n}, sampleShape...)
	data, err := tensor.NewTensor(batchShape, tensor.Float32, nil)
	if err != nil {
		return nil, err
	}
	dst := data.Data.([]float32)
	stride := samples[0].NumElems
	for i, s := range samples {
		src, err := s.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %v", i, err)
		}
		copy(dst[i*stride:(i+1)*stride], src)
	}

	labelData := make([]int32, n)
	for i, l := range labels {
		v, err := l.GetInt32Data()
		if err != nil {
			return nil, fmt.Errorf("label %d: %v", i, err)
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("label %d has %d elements, expected a scalar class index", i, len(v))
		}
		labelData[i] = v[0]
	}
	labelTensor, err := tensor.NewTensor([]int{n}, tensor.Int32, labelData)
	if err != nil {
		return nil, err
	}

	return &Batch{Data: data, Labels: labelTensor, Size: n}, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SliceDataset adapts in-memory tensors into a Dataset. Data holds one
// sample per leading index; Labels is a flat Int32 vector.
type SliceDataset struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// NewSliceDataset wraps stacked data [N, ...] and labels [N] as a Dataset.
func NewSliceDataset(data, labels *tensor.Tensor) (*SliceDataset, error) {
	if len(data.Shape) < 2 {
		return nil, fmt.Errorf("data must have a leading sample dimension, got shape %v", data.Shape)
	}
	if len(labels.Shape) != 1 || labels.Shape[0] != data.Shape[0] {
		return nil, fmt.Errorf("labels must have shape [%d], got %v", data.Shape[0], labels.Shape)
	}
	if labels.DType != tensor.Int32 {
		return nil, fmt.Errorf("labels must be Int32, got %s", labels.DType)
	}
	return &SliceDataset{Data: data, Labels: labels}, nil
}

func (sd *SliceDataset) Len() int { return sd.Data.Shape[0] }

func (sd *SliceDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.Len() {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, sd.Len())
	}
	sampleShape := sd.Data.Shape[1:]
	stride := sd.Data.NumElems / sd.Data.Shape[0]
	src := sd.Data.Data.([]float32)

	sample, err := tensor.NewTensor(append([]int(nil), sampleShape...), tensor.Float32,
		append([]float32(nil), src[idx*stride:(idx+1)*stride]...))
	if err != nil {
		return nil, nil, err
	}
	label, err := tensor.NewTensor([]int{1}, tensor.Int32,
		[]int32{sd.Labels.Data.([]int32)[idx]})
	if err != nil {
		return nil, nil, err
	}
	return sample, label, nil
}
