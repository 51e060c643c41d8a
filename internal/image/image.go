// Package image holds the resolved image descriptor and the mocked pull
// and cache plumbing that supplies it. Registry negotiation, auth and real
// layer downloads are external concerns; the store fabricates plausible
// content so the runtime core can be exercised end to end.
package image

import (
	"fmt"
	"os"
	"strings"

	"github.com/wasmdock/wasmdock/internal/domain"
)

// Layer is one ordered layer archive of an image.
type Layer struct {
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
	Path      string `json:"path"`
}

// Config is the effective container configuration carried by an image.
type Config struct {
	Env          []string `json:"env"`
	Cmd          []string `json:"cmd"`
	Entrypoint   []string `json:"entrypoint"`
	WorkDir      string   `json:"workdir"`
	ExposedPorts []string `json:"exposedPorts"`
}

// Image is a resolved image descriptor: name, tag, ordered layer archives
// and the effective configuration.
type Image struct {
	Name     string  `json:"name"`
	Tag      string  `json:"tag"`
	Layers   []Layer `json:"layers"`
	Config   Config  `json:"config"`
	WasmPath string  `json:"wasmPath"`
}

// Ref returns the name:tag reference of the image.
func (i *Image) Ref() string {
	return i.Name + ":" + i.Tag
}

// WasmBinary reads the extracted wasm payload of the image.
func (i *Image) WasmBinary() ([]byte, error) {
	if i.WasmPath == "" {
		return nil, domain.ErrNoWasmPayload
	}
	data, err := os.ReadFile(i.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("reading wasm payload: %w", err)
	}
	return data, nil
}

// Info converts the descriptor into the form the container spec is built
// from.
func (i *Image) Info() domain.ImageInfo {
	layers := make([]string, 0, len(i.Layers))
	for _, l := range i.Layers {
		layers = append(layers, l.Path)
	}
	return domain.ImageInfo{
		Name:       i.Ref(),
		Env:        i.Config.Env,
		Cmd:        i.Config.Cmd,
		Entrypoint: i.Config.Entrypoint,
		WorkDir:    i.Config.WorkDir,
		Ports:      i.Config.ExposedPorts,
		Layers:     layers,
	}
}

// ParseRef splits an image reference into name and tag, defaulting the tag
// to latest.
func ParseRef(ref string) (name, tag string, err error) {
	parts := strings.Split(ref, ":")
	switch len(parts) {
	case 1:
		return parts[0], "latest", nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("%w: %q", domain.ErrInvalidImageRef, ref)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: %q", domain.ErrInvalidImageRef, ref)
	}
}
