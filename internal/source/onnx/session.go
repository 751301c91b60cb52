package onnx

import (
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

// initORT initializes the ONNX Runtime environment. Safe to call multiple
// times; only the first call has any effect.
func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// session wraps a DynamicAdvancedSession for the emotion classifier: one
// float32 feature-vector input, one per-label score output.
type session struct {
	sess       *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	featDim    int64
	numLabels  int64
}

// newSession loads the classifier model and validates its tensor shapes.
// The ONNX Runtime shared library ships alongside the model file.
func newSession(modelPath string, numLabels int64) (*session, error) {
	modelDir := filepath.Dir(modelPath)
	libPath := filepath.Join(modelDir, "libonnxruntime.so")

	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input tensor, model has %d", len(inputs))
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("expected 1 output tensor, model has %d", len(outputs))
	}

	inDims := inputs[0].Dimensions
	if len(inDims) != 2 {
		return nil, fmt.Errorf("expected 2D input tensor, got %v", inDims)
	}
	outDims := outputs[0].Dimensions
	if len(outDims) != 2 || outDims[1] != numLabels {
		return nil, fmt.Errorf("expected output shape [batch %d], got %v", numLabels, outDims)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(2)
	opts.SetInterOpNumThreads(1)

	sess, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &session{
		sess:       sess,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		featDim:    inDims[1],
		numLabels:  numLabels,
	}, nil
}

// infer runs one classification. features must be featDim long; the result
// is the raw score vector of length numLabels.
func (s *session) infer(features []float32) ([]float32, error) {
	if int64(len(features)) != s.featDim {
		return nil, fmt.Errorf("expected %d features, got %d", s.featDim, len(features))
	}

	tIn, err := ort.NewTensor(ort.NewShape(1, s.featDim), features)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer tIn.Destroy()

	tOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, s.numLabels))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer tOut.Destroy()

	if err := s.sess.Run([]ort.Value{tIn}, []ort.Value{tOut}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// Copy data out before the tensor is destroyed.
	src := tOut.GetData()
	result := make([]float32, len(src))
	copy(result, src)
	return result, nil
}

// close releases the session resources.
func (s *session) close() error {
	return s.sess.Destroy()
}
