package training

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EpochRecord is one epoch's metrics as written to the run log.
type EpochRecord struct {
	Run          string  `json:"run"`
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	TrainAcc     float64 `json:"train_acc"`
	ValLoss      float64 `json:"val_loss,omitempty"`
	ValAcc       float64 `json:"val_acc,omitempty"`
	LearningRate float64 `json:"learning_rate"`
	DurationSec  float64 `json:"duration_sec"`
	Timestamp    string  `json:"timestamp"`
}

// StepRecord is one training step's metrics, logged at the batch progress
// interval during an epoch.
type StepRecord struct {
	Run          string  `json:"run"`
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	Loss         float64 `json:"loss"`
	Accuracy     float64 `json:"accuracy"`
	LearningRate float64 `json:"learning_rate"`
	Timestamp    string  `json:"timestamp"`
}

// SamplePrediction is one evaluated sample in a prediction report.
type SamplePrediction struct {
	Index         int       `json:"index"`
	Predicted     int       `json:"predicted"`
	PredictedName string    `json:"predicted_name,omitempty"`
	Actual        int       `json:"actual"`
	ActualName    string    `json:"actual_name,omitempty"`
	Probabilities []float32 `json:"probabilities"`
}

// PredictionReport groups sampled predictions from one evaluation pass.
type PredictionReport struct {
	Run       string             `json:"run"`
	Timestamp string             `json:"timestamp"`
	Samples   []SamplePrediction `json:"samples"`
}

// RunLoggerConfig configures where run metrics are written. An empty Dir
// disables file output; an empty SidecarURL disables HTTP posting.
type RunLoggerConfig struct {
	Dir        string
	RunName    string
	SidecarURL string
	Timeout    time.Duration
}

// RunLogger appends per-epoch metrics to a JSONL file and a CSV file, and
// optionally POSTs each record to a plotting sidecar. File and sidecar
// failures are reported but never interrupt training.
type RunLogger struct {
	config     RunLoggerConfig
	jsonlFile  *os.File
	stepsFile  *os.File
	csvFile    *os.File
	csvWriter  *csv.Writer
	httpClient *http.Client
}

// NewRunLogger creates a logger, creating the run directory as needed.
func NewRunLogger(config RunLoggerConfig) (*RunLogger, error) {
	if config.RunName == "" {
		config.RunName = time.Now().Format("run-20060102-150405")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	rl := &RunLogger{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}

	if config.Dir != "" {
		if err := os.MkdirAll(config.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %v", err)
		}
		jsonlPath := filepath.Join(config.Dir, config.RunName+".jsonl")
		jf, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %v", jsonlPath, err)
		}
		rl.jsonlFile = jf

		stepsPath := filepath.Join(config.Dir, config.RunName+"-steps.jsonl")
		sf, err := os.OpenFile(stepsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			jf.Close()
			return nil, fmt.Errorf("failed to open %s: %v", stepsPath, err)
		}
		rl.stepsFile = sf

		csvPath := filepath.Join(config.Dir, config.RunName+".csv")
		info, statErr := os.Stat(csvPath)
		cf, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			jf.Close()
			sf.Close()
			return nil, fmt.Errorf("failed to open %s: %v", csvPath, err)
		}
		rl.csvFile = cf
		rl.csvWriter = csv.NewWriter(cf)
		if statErr != nil || info.Size() == 0 {
			rl.csvWriter.Write([]string{
				"epoch", "train_loss", "train_acc", "val_loss", "val_acc",
				"learning_rate", "duration_sec",
			})
			rl.csvWriter.Flush()
		}
	}
	return rl, nil
}

// Log writes one epoch record to every configured destination.
func (rl *RunLogger) Log(record EpochRecord) {
	record.Run = rl.config.RunName
	if record.Timestamp == "" {
		record.Timestamp = time.Now().Format(time.RFC3339)
	}

	if rl.jsonlFile != nil {
		line, err := json.Marshal(record)
		if err == nil {
			_, err = rl.jsonlFile.Write(append(line, '\n'))
		}
		if err != nil {
			fmt.Printf("Warning: failed to write run log: %v\n", err)
		}
	}

	if rl.csvWriter != nil {
		err := rl.csvWriter.Write([]string{
			strconv.Itoa(record.Epoch),
			strconv.FormatFloat(record.TrainLoss, 'f', 6, 64),
			strconv.FormatFloat(record.TrainAcc, 'f', 6, 64),
			strconv.FormatFloat(record.ValLoss, 'f', 6, 64),
			strconv.FormatFloat(record.ValAcc, 'f', 6, 64),
			strconv.FormatFloat(record.LearningRate, 'g', -1, 64),
			strconv.FormatFloat(record.DurationSec, 'f', 3, 64),
		})
		if err == nil {
			rl.csvWriter.Flush()
			err = rl.csvWriter.Error()
		}
		if err != nil {
			fmt.Printf("Warning: failed to write run CSV: %v\n", err)
		}
	}

	if rl.config.SidecarURL != "" {
		if err := rl.post("/api/metrics", record); err != nil {
			fmt.Printf("Warning: failed to post metrics to sidecar: %v\n", err)
		}
	}
}

// LogStep writes one step record to the steps JSONL file and the sidecar.
func (rl *RunLogger) LogStep(record StepRecord) {
	record.Run = rl.config.RunName
	if record.Timestamp == "" {
		record.Timestamp = time.Now().Format(time.RFC3339)
	}

	if rl.stepsFile != nil {
		line, err := json.Marshal(record)
		if err == nil {
			_, err = rl.stepsFile.Write(append(line, '\n'))
		}
		if err != nil {
			fmt.Printf("Warning: failed to write step log: %v\n", err)
		}
	}

	if rl.config.SidecarURL != "" {
		if err := rl.post("/api/metrics/steps", record); err != nil {
			fmt.Printf("Warning: failed to post step metrics to sidecar: %v\n", err)
		}
	}
}

// LogPredictions writes a sampled-prediction report as a JSON file in the
// run directory and posts it to the sidecar.
func (rl *RunLogger) LogPredictions(samples []SamplePrediction) {
	report := PredictionReport{
		Run:       rl.config.RunName,
		Timestamp: time.Now().Format(time.RFC3339),
		Samples:   samples,
	}

	if rl.config.Dir != "" {
		path := filepath.Join(rl.config.Dir, rl.config.RunName+"-predictions.json")
		payload, err := json.MarshalIndent(report, "", "  ")
		if err == nil {
			err = os.WriteFile(path, append(payload, '\n'), 0o644)
		}
		if err != nil {
			fmt.Printf("Warning: failed to write prediction report: %v\n", err)
		}
	}

	if rl.config.SidecarURL != "" {
		if err := rl.post("/api/predictions", report); err != nil {
			fmt.Printf("Warning: failed to post predictions to sidecar: %v\n", err)
		}
	}
}

func (rl *RunLogger) post(path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := rl.httpClient.Post(
		rl.config.SidecarURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sidecar returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes and closes the log files.
func (rl *RunLogger) Close() error {
	if rl.csvWriter != nil {
		rl.csvWriter.Flush()
	}
	var firstErr error
	if rl.csvFile != nil {
		if err := rl.csvFile.Close(); err != nil {
			firstErr = err
		}
	}
	if rl.jsonlFile != nil {
		if err := rl.jsonlFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rl.stepsFile != nil {
		if err := rl.stepsFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
