package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/herdvision/herdvision/internal/backbone"
	"github.com/herdvision/herdvision/internal/tensor"
)

// ErrRuntimeUnavailable reports that a live ONNX module cannot run because
// the onnxruntime shared library is not present in the environment.
var ErrRuntimeUnavailable = errors.New("onnxruntime shared library not available")

// liveModule wraps an ONNX session for a checkpoint that is already a
// ready-to-run module.
type liveModule struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	classes int

	mu sync.Mutex
}

func openLiveModule(path string, numClasses int) (*liveModule, error) {
	libPath := resolveSharedLibraryPath(filepath.Dir(path))
	if libPath == "" {
		return nil, ErrRuntimeUnavailable
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputShape := ort.NewShape(1, 3, backbone.InputSize, backbone.InputSize)
	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	outputShape := ort.NewShape(1, int64(numClasses))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{"input"},
		[]string{"logits"},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &liveModule{
		session: session,
		input:   input,
		output:  output,
		classes: numClasses,
	}, nil
}

// Predict runs the module on a normalized CHW input and returns raw logits.
func (m *liveModule) Predict(x *tensor.Tensor) ([]float32, error) {
	if m == nil || m.session == nil {
		return nil, errors.New("live module not initialized")
	}
	c, h, w, err := x.Dims3()
	if err != nil {
		return nil, err
	}
	if c != 3 || h != backbone.InputSize || w != backbone.InputSize {
		return nil, fmt.Errorf("live module expects 3x%dx%d input, got %dx%dx%d", backbone.InputSize, backbone.InputSize, c, h, w)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.input.GetData(), x.Data)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	return append([]float32(nil), m.output.GetData()...), nil
}

// Close releases the session and its tensors.
func (m *liveModule) Close() {
	if m == nil {
		return
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
}

// resolveSharedLibraryPath attempts to locate a platform-specific onnxruntime
// shared library. If ONNXRUNTIME_SHARED_LIBRARY_PATH is set, it wins;
// otherwise we probe common names/locations.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
