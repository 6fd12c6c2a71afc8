// Package artifact materializes heatmap bytes from a locator string, trying
// URLs, local paths, and conventional project locations in a fixed order.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/herdvision/herdvision/internal/redact"
)

// ErrNotFound reports that no resolution strategy produced the artifact.
// Callers treat it as a soft failure.
var ErrNotFound = errors.New("artifact: not found")

// Resolver locates heatmap artifacts. A locator may be an HTTP(S) URL, a
// file:// URI, an absolute path, or a bare relative name.
type Resolver struct {
	projectRoot string
	publicBase  string
	samplePath  string
	client      *http.Client
}

// NewResolver returns a Resolver rooted at projectRoot. publicBase is the
// externally reachable address of the inference host (a trailing /predict is
// tolerated); samplePath is the last-resort development artifact.
func NewResolver(projectRoot, publicBase, samplePath string, timeout time.Duration) *Resolver {
	return &Resolver{
		projectRoot: projectRoot,
		publicBase:  publicBase,
		samplePath:  samplePath,
		client:      &http.Client{Timeout: timeout},
	}
}

// Resolve returns the artifact bytes for the locator. Strategies run in
// order, first success wins; no strategy's failure escapes this boundary.
func (r *Resolver) Resolve(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, ErrNotFound
	}
	norm := strings.ReplaceAll(locator, "\\", "/")

	if isHTTPURL(locator) {
		if body, err := r.get(ctx, locator, false); err == nil {
			return body, nil
		} else {
			redact.Logf("artifact: http fetch failed for %s: %v", redact.String(locator), err)
		}
	}

	if strings.HasPrefix(norm, "file://") {
		if u, err := url.Parse(norm); err == nil {
			if body, err := os.ReadFile(u.Path); err == nil {
				return body, nil
			}
		}
	}

	if filepath.IsAbs(locator) {
		if body, err := os.ReadFile(locator); err == nil {
			return body, nil
		}
	}

	for _, cand := range r.localCandidates(norm) {
		if body, err := os.ReadFile(cand); err == nil {
			return body, nil
		}
	}

	for _, cand := range r.serverCandidates(norm) {
		body, err := r.get(ctx, cand, true)
		if err != nil {
			continue
		}
		return body, nil
	}

	return nil, ErrNotFound
}

// localCandidates lists the conventional project locations for a locator,
// deduplicated and in deterministic order.
func (r *Resolver) localCandidates(norm string) []string {
	name := path.Base(norm)
	var out []string

	if strings.HasPrefix(norm, "/") {
		rel := strings.TrimLeft(norm, "/")
		out = append(out,
			filepath.Join(r.projectRoot, rel),
			filepath.Join(r.projectRoot, "ml-inference", rel),
			filepath.Join(r.projectRoot, "ml-inference", "gradcams", name),
			filepath.Join(r.projectRoot, "gradcams", name),
			filepath.Join(r.projectRoot, "backend", "gradcams", name),
		)
	} else {
		out = append(out,
			filepath.Join(r.projectRoot, "ml-inference", name),
			filepath.Join(r.projectRoot, "gradcams", name),
			filepath.Join(r.projectRoot, norm),
		)
	}

	if r.samplePath != "" {
		out = append(out, r.samplePath)
	}
	return dedupe(out)
}

// serverCandidates derives fetch URLs from the configured public base,
// stripping a trailing /predict suffix first.
func (r *Resolver) serverCandidates(norm string) []string {
	if r.publicBase == "" {
		return nil
	}
	base := strings.TrimRight(r.publicBase, "/")
	base = strings.TrimSuffix(base, "/predict")

	name := path.Base(norm)
	var out []string
	if strings.HasPrefix(norm, "/") {
		out = append(out, base+norm, base+"/gradcams/"+name)
	} else {
		out = append(out, base+"/gradcams/"+name, base+"/"+norm)
	}
	return dedupe(out)
}

// get fetches a URL, requiring a 2xx status. When requireBody is set, an
// empty body counts as a failure.
func (r *Resolver) get(ctx context.Context, rawURL string, requireBody bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("artifact: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if requireBody && len(body) == 0 {
		return nil, errors.New("artifact: empty body")
	}
	return body, nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
