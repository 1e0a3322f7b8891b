package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gograd/gograd/tensor"
)

// ConfusionMatrix accumulates classification outcomes. Rows are true
// classes, columns are predicted classes.
type ConfusionMatrix struct {
	NumClasses int
	Counts     [][]int
	ClassNames []string
}

// NewConfusionMatrix creates an empty confusion matrix. classNames may be
// nil, in which case numeric labels are used for display.
func NewConfusionMatrix(numClasses int, classNames []string) (*ConfusionMatrix, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	if classNames != nil && len(classNames) != numClasses {
		return nil, fmt.Errorf("got %d class names for %d classes", len(classNames), numClasses)
	}
	counts := make([][]int, numClasses)
	for i := range counts {
		counts[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Counts: counts, ClassNames: classNames}, nil
}

// Update records a batch of outcomes. Predictions may be 2D logits
// [batch, classes] (argmax is applied) or 1D Int32 class indices; targets
// are 1D Int32 class indices.
func (cm *ConfusionMatrix) Update(predictions, targets *tensor.Tensor) error {
	pred := predictions
	if len(pred.Shape) == 2 {
		var err error
		pred, err = tensor.ArgMax(pred)
		if err != nil {
			return fmt.Errorf("argmax failed: %v", err)
		}
	}
	predData, err := pred.GetInt32Data()
	if err != nil {
		return err
	}
	targetData, err := targets.GetInt32Data()
	if err != nil {
		return err
	}
	if len(predData) != len(targetData) {
		return fmt.Errorf("got %d predictions for %d targets", len(predData), len(targetData))
	}

	for i := range predData {
		t, p := int(targetData[i]), int(predData[i])
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("class index out of range: target %d, prediction %d", t, p)
		}
		cm.Counts[t][p]++
	}
	return nil
}

// Total returns the number of recorded samples.
func (cm *ConfusionMatrix) Total() int {
	total := 0
	for _, row := range cm.Counts {
		for _, c := range row {
			total += c
		}
	}
	return total
}

// Accuracy is the fraction of correctly classified samples.
func (cm *ConfusionMatrix) Accuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Counts[i][i]
	}
	return float64(correct) / float64(total)
}

// Precision returns the precision for one class: TP / (TP + FP).
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp := cm.Counts[class][class]
	predicted := 0
	for t := 0; t < cm.NumClasses; t++ {
		predicted += cm.Counts[t][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// Recall returns the recall for one class: TP / (TP + FN).
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp := cm.Counts[class][class]
	actual := 0
	for p := 0; p < cm.NumClasses; p++ {
		actual += cm.Counts[class][p]
	}
	if actual == 0 {
		return 0
	}
	return float64(tp) / float64(actual)
}

// F1 returns the harmonic mean of precision and recall for one class.
func (cm *ConfusionMatrix) F1(class int) float64 {
	p, r := cm.Precision(class), cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// MacroF1 averages the per-class F1 scores with equal class weight.
func (cm *ConfusionMatrix) MacroF1() float64 {
	sum := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		sum += cm.F1(c)
	}
	return sum / float64(cm.NumClasses)
}

// MicroF1 pools true positives and errors across all classes before
// computing F1. With one label per sample every misclassification is both
// a false positive and a false negative, so this equals accuracy.
func (cm *ConfusionMatrix) MicroF1() float64 {
	tp, fp, fn := 0, 0, 0
	for t := 0; t < cm.NumClasses; t++ {
		for p := 0; p < cm.NumClasses; p++ {
			c := cm.Counts[t][p]
			if t == p {
				tp += c
			} else {
				fp += c
				fn += c
			}
		}
	}
	if 2*tp+fp+fn == 0 {
		return 0
	}
	return float64(2*tp) / float64(2*tp+fp+fn)
}

func (cm *ConfusionMatrix) className(i int) string {
	if cm.ClassNames != nil {
		return cm.ClassNames[i]
	}
	return fmt.Sprintf("class %d", i)
}

// String renders the matrix and per-class metrics as a report.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	nameWidth := 10
	for i := 0; i < cm.NumClasses; i++ {
		if len(cm.className(i)) > nameWidth {
			nameWidth = len(cm.className(i))
		}
	}

	fmt.Fprintf(&sb, "%*s", nameWidth+2, "")
	for p := 0; p < cm.NumClasses; p++ {
		fmt.Fprintf(&sb, "%6d", p)
	}
	sb.WriteString("\n")
	for t := 0; t < cm.NumClasses; t++ {
		fmt.Fprintf(&sb, "%*s  ", nameWidth, cm.className(t))
		for p := 0; p < cm.NumClasses; p++ {
			fmt.Fprintf(&sb, "%6d", cm.Counts[t][p])
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s  %9s %9s %9s\n", nameWidth, "", "precision", "recall", "f1")
	for c := 0; c < cm.NumClasses; c++ {
		fmt.Fprintf(&sb, "%*s  %9.4f %9.4f %9.4f\n",
			nameWidth, cm.className(c), cm.Precision(c), cm.Recall(c), cm.F1(c))
	}
	fmt.Fprintf(&sb, "\naccuracy: %.4f  macro f1: %.4f  micro f1: %.4f  samples: %d\n",
		cm.Accuracy(), cm.MacroF1(), cm.MicroF1(), cm.Total())
	return sb.String()
}

// TopKAccuracy is the fraction of samples whose true class appears among
// the k highest logits.
func TopKAccuracy(logits, targets *tensor.Tensor, k int) (float64, error) {
	if len(logits.Shape) != 2 {
		return 0, fmt.Errorf("top-k accuracy expects 2D logits, got shape %v", logits.Shape)
	}
	if k <= 0 || k > logits.Shape[1] {
		return 0, fmt.Errorf("k must be in [1, %d], got %d", logits.Shape[1], k)
	}
	logitData, err := logits.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	targetData, err := targets.GetInt32Data()
	if err != nil {
		return 0, err
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(targetData) != batch {
		return 0, fmt.Errorf("got %d targets for batch of %d", len(targetData), batch)
	}

	correct := 0
	order := make([]int, classes)
	for b := 0; b < batch; b++ {
		row := logitData[b*classes : (b+1)*classes]
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool { return row[order[i]] > row[order[j]] })
		for i := 0; i < k; i++ {
			if int32(order[i]) == targetData[b] {
				correct++
				break
			}
		}
	}
	return float64(correct) / float64(batch), nil
}
