package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/herdvision/herdvision/internal/backbone"
	"github.com/herdvision/herdvision/internal/classmap"
	"github.com/herdvision/herdvision/internal/redact"
	"github.com/herdvision/herdvision/internal/tensor"
)

// Model is a ready-to-run classifier bound to the class map width. Exactly
// one of Net or Live is set.
type Model struct {
	Version string
	Net     *backbone.Network
	Live    *liveModule
}

// NumClasses reports the classifier's output width.
func (m *Model) NumClasses() int {
	if m.Net != nil {
		return m.Net.NumClasses()
	}
	if m.Live != nil {
		return m.Live.classes
	}
	return 0
}

// Logits runs a plain forward pass on a normalized CHW input.
func (m *Model) Logits(x *tensor.Tensor) ([]float32, error) {
	if m.Net != nil {
		state, err := m.Net.Forward(x)
		if err != nil {
			return nil, err
		}
		return state.Logits(), nil
	}
	if m.Live != nil {
		return m.Live.Predict(x)
	}
	return nil, errors.New("checkpoint: model has no backend")
}

// Resolver loads the configured checkpoint once and caches the bound model
// for the life of the process. Loads are deterministic and side-effect-free
// beyond the cache slot, so a failed load is memoized the same way.
type Resolver struct {
	path        string
	allowUnsafe bool
	classes     *classmap.Store

	mu     sync.Mutex
	loaded bool
	model  *Model
	err    error
}

// NewResolver returns a Resolver for the given checkpoint path, bound to the
// class map store's width.
func NewResolver(path string, allowUnsafe bool, classes *classmap.Store) *Resolver {
	return &Resolver{path: path, allowUnsafe: allowUnsafe, classes: classes}
}

// Load returns the bound model, loading and caching it on first use. The
// error is cached too: a service whose checkpoint failed to load stays up in
// a degraded state and keeps answering from stubs.
func (r *Resolver) Load() (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return r.model, r.err
	}

	r.model, r.err = r.loadLocked()
	r.loaded = true
	if r.err != nil {
		redact.Logf("checkpoint: load failed, serving stub predictions: %v", r.err)
	} else {
		redact.Logf("checkpoint: loaded model version=%s", r.model.Version)
	}
	return r.model, r.err
}

// Reset clears the cached model so the next Load retries from disk.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil && r.model.Live != nil {
		r.model.Live.Close()
	}
	r.loaded = false
	r.model = nil
	r.err = nil
}

func (r *Resolver) loadLocked() (*Model, error) {
	ckpt, err := Open(r.path, r.allowUnsafe)
	if err != nil {
		return nil, err
	}

	numClasses := r.classes.Load().Len()
	if numClasses < 1 {
		numClasses = 1
	}
	base := filepath.Base(r.path)

	if ckpt.Shape == LiveModule {
		live, err := openLiveModule(ckpt.Path, numClasses)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: open live module: %w", err)
		}
		return &Model{Version: "module:" + base, Live: live}, nil
	}

	net, err := backbone.New(numClasses)
	if err != nil {
		return nil, err
	}
	mode, err := bindState(net, ckpt.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return &Model{Version: mode + ":" + base, Net: net}, nil
}

// bindState attempts to bind the state mapping to the skeleton under three
// decreasing strictness levels, stopping at the first success.
func bindState(net *backbone.Network, sd StateDict) (string, error) {
	params := net.Params()

	if err := bindExact(params, sd); err == nil {
		return "state_dict", nil
	} else {
		redact.Logf("checkpoint: exact bind failed: %v", err)
	}

	if n, err := bindRelaxed(params, sd); err == nil && n > 0 {
		return "state_dict_relaxed", nil
	} else if err != nil {
		redact.Logf("checkpoint: relaxed bind failed: %v", err)
	}

	remapped := remapKeys(sd)
	if n, err := bindRelaxed(params, remapped); err == nil && n > 0 {
		return "state_dict_remapped", nil
	} else if err != nil {
		redact.Logf("checkpoint: remapped bind failed: %v", err)
	}

	return "", errors.New("model load failed after all attempts")
}

// bindExact requires every skeleton parameter to be present with a matching
// shape and rejects unexpected keys.
func bindExact(params map[string]*tensor.Tensor, sd StateDict) error {
	for name := range sd {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("unexpected parameter %q", name)
		}
	}
	for name, dst := range params {
		src, ok := sd[name]
		if !ok {
			return fmt.Errorf("missing parameter %q", name)
		}
		if !shapesEqual(dst.Shape, src.Shape) {
			return fmt.Errorf("parameter %q shape %v does not match skeleton %v", name, src.Shape, dst.Shape)
		}
	}
	for name, dst := range params {
		copy(dst.Data, sd[name].Data)
	}
	return nil
}

// bindRelaxed copies every parameter whose name exists in the skeleton,
// ignoring missing and extra entries. A shape mismatch on a matching name is
// an error; binding nothing at all does not count as success, which gives
// the remapping pass a chance to run.
func bindRelaxed(params map[string]*tensor.Tensor, sd StateDict) (int, error) {
	matched := make([]string, 0, len(params))
	for name, dst := range params {
		src, ok := sd[name]
		if !ok {
			continue
		}
		if !shapesEqual(dst.Shape, src.Shape) {
			return 0, fmt.Errorf("parameter %q shape %v does not match skeleton %v", name, src.Shape, dst.Shape)
		}
		matched = append(matched, name)
	}
	for _, name := range matched {
		copy(params[name].Data, sd[name].Data)
	}
	return len(matched), nil
}

func shapesEqual(a, b []int) bool {
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
