package cifar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gograd/gograd/vision/transforms"
)

// writeBatch writes a CIFAR-10 binary batch file with the given labels.
// Pixel values are derived from the record index so tests can verify
// ordering and scaling.
func writeBatch(t *testing.T, dir, name string, labels []byte) {
	t.Helper()
	var buf []byte
	for rec, label := range labels {
		buf = append(buf, label)
		for p := 0; p < pixelsPerImage; p++ {
			buf = append(buf, byte(rec*10)) // constant per image
		}
	}
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
		t.Fatalf("Failed to write batch file: %v", err)
	}
}

func writeTrainingDir(t *testing.T, dir string) {
	t.Helper()
	for i, name := range trainFiles {
		writeBatch(t, dir, name, []byte{byte(i), byte((i + 1) % NumClasses)})
	}
}

func TestLoadTraining(t *testing.T) {
	dir := t.TempDir()
	writeTrainingDir(t, dir)

	ds, err := LoadTraining(dir)
	if err != nil {
		t.Fatalf("LoadTraining failed: %v", err)
	}
	// Five files with two records each.
	if ds.Len() != 10 {
		t.Fatalf("Expected 10 samples, got %d", ds.Len())
	}
	if ds.Label(0) != 0 || ds.Label(1) != 1 || ds.Label(2) != 1 {
		t.Errorf("Labels out of order: %d %d %d", ds.Label(0), ds.Label(1), ds.Label(2))
	}

	counts := ds.ClassCounts()
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 10 {
		t.Errorf("Class counts sum to %d, expected 10", total)
	}
}

func TestGet(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "test_batch.bin", []byte{3, 7})

	ds, err := LoadTest(dir)
	if err != nil {
		t.Fatalf("LoadTest failed: %v", err)
	}

	t.Run("Shapes and scaling", func(t *testing.T) {
		img, label, err := ds.Get(1)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		want := []int{Channels, ImageSize, ImageSize}
		for i, d := range want {
			if img.Shape[i] != d {
				t.Fatalf("Expected shape %v, got %v", want, img.Shape)
			}
		}
		// Record 1 pixels are all 10, scaled to 10/255.
		px := img.Data.([]float32)[0]
		if px < 0.039 || px > 0.04 {
			t.Errorf("Expected pixel 10/255, got %f", px)
		}
		if label.Data.([]int32)[0] != 7 {
			t.Errorf("Expected label 7, got %d", label.Data.([]int32)[0])
		}
	})

	t.Run("Out of range index", func(t *testing.T) {
		if _, _, err := ds.Get(2); err == nil {
			t.Error("Expected error for out-of-range index")
		}
		if _, _, err := ds.Get(-1); err == nil {
			t.Error("Expected error for negative index")
		}
	})

	t.Run("Transform applied per access", func(t *testing.T) {
		n, _ := transforms.NewNormalize(
			[]float32{0, 0, 0}, []float32{1.0 / 255.0, 1.0 / 255.0, 1.0 / 255.0})
		ds.SetTransform(n)
		img, _, err := ds.Get(1)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		// Scaling back by 255 recovers the raw byte value.
		px := img.Data.([]float32)[0]
		if px < 9.99 || px > 10.01 {
			t.Errorf("Expected pixel 10 after denormalize, got %f", px)
		}
	})
}

func TestSplit(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "test_batch.bin", []byte{0, 1, 2, 3})

	ds, err := LoadTest(dir)
	if err != nil {
		t.Fatalf("LoadTest failed: %v", err)
	}

	first, second, err := ds.Split(3)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if first.Len() != 3 || second.Len() != 1 {
		t.Errorf("Expected sizes 3 and 1, got %d and %d", first.Len(), second.Len())
	}
	if second.Label(0) != 3 {
		t.Errorf("Expected label 3 in second part, got %d", second.Label(0))
	}

	if _, _, err := ds.Split(0); err == nil {
		t.Error("Expected error for split at 0")
	}
	if _, _, err := ds.Split(4); err == nil {
		t.Error("Expected error for split at dataset end")
	}
}

func TestInvalidData(t *testing.T) {
	t.Run("Missing file", func(t *testing.T) {
		if _, err := LoadTest(t.TempDir()); err == nil {
			t.Error("Expected error for missing batch file")
		}
	})

	t.Run("Invalid label", func(t *testing.T) {
		dir := t.TempDir()
		writeBatch(t, dir, "test_batch.bin", []byte{200})
		if _, err := LoadTest(dir); err == nil {
			t.Error("Expected error for label out of range")
		}
	})

	t.Run("Truncated record", func(t *testing.T) {
		dir := t.TempDir()
		writeBatch(t, dir, "test_batch.bin", []byte{1, 2})
		path := filepath.Join(dir, "test_batch.bin")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read batch file: %v", err)
		}
		// Chop one byte off the last record.
		if err := os.WriteFile(path, data[:len(data)-1], 0o644); err != nil {
			t.Fatalf("Failed to truncate batch file: %v", err)
		}
		if _, err := LoadTest(dir); err == nil {
			t.Error("Expected error for truncated record")
		}
	})
}
