// Package models resolves and fetches the pretrained checkpoints used by
// the annotators. Checkpoints are downloaded once into a local directory
// and reused on every later run.
package models

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultDir is where checkpoints land unless a directory is given.
const DefaultDir = "models"

const ckptBaseURL = "https://huggingface.co/lllyasviel/ControlNet/resolve/main/annotator/ckpts/"

// Checkpoint describes one downloadable model file.
type Checkpoint struct {
	Name     string // registry key, e.g. "hed"
	Filename string // local filename under the models dir
	URL      string // remote source
}

var registry = map[string]Checkpoint{
	"hed": {
		Name:     "hed",
		Filename: "network-bsds500.onnx",
		URL:      ckptBaseURL + "network-bsds500.onnx",
	},
	"midas": {
		Name:     "midas",
		Filename: "dpt_hybrid-midas.onnx",
		URL:      ckptBaseURL + "dpt_hybrid-midas.onnx",
	},
	"mlsd": {
		Name:     "mlsd",
		Filename: "mlsd_large_512_fp32.onnx",
		URL:      ckptBaseURL + "mlsd_large_512_fp32.onnx",
	},
	"openpose": {
		Name:     "openpose",
		Filename: "body_pose_model.onnx",
		URL:      ckptBaseURL + "body_pose_model.onnx",
	},
	"uniformer": {
		Name:     "uniformer",
		Filename: "upernet_global_small.onnx",
		URL:      ckptBaseURL + "upernet_global_small.onnx",
	},
}

// Lookup returns the checkpoint registered under name.
func Lookup(name string) (Checkpoint, error) {
	ckpt, ok := registry[name]
	if !ok {
		return Checkpoint{}, fmt.Errorf("no checkpoint registered for %q", name)
	}
	return ckpt, nil
}

// Names returns the registered checkpoint names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the local path of a checkpoint under dir without fetching it.
func Path(dir, name string) (string, error) {
	ckpt, err := Lookup(name)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, ckpt.Filename), nil
}

var httpClient = &http.Client{Timeout: 30 * time.Minute}

// Ensure returns the local path of a checkpoint, downloading it first if
// it is not already present. Partial downloads are written to a temp file
// and renamed, so an interrupted fetch never leaves a truncated
// checkpoint behind.
func Ensure(ctx context.Context, dir, name string) (string, error) {
	ckpt, err := Lookup(name)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = DefaultDir
	}
	path := filepath.Join(dir, ckpt.Filename)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create models dir: %w", err)
	}

	slog.Info("downloading checkpoint", "name", ckpt.Name, "url", ckpt.URL)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ckpt.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", ckpt.Name, err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", ckpt.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: status %s", ckpt.Name, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ckpt.Filename+".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", ckpt.Name, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", ckpt.Name, err)
	}

	slog.Info("checkpoint ready",
		"name", ckpt.Name,
		"bytes", written,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return path, nil
}
