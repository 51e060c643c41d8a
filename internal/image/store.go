package image

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/wasmdock/wasmdock/pkg/logger"
)

// demoModule is a minimal wasm module exporting an empty _start function.
// It stands in for the payload a real registry pull would extract.
var demoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: func() -> ()
	0x03, 0x02, 0x01, 0x00, // function: one func of type 0
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code: empty body
}

// Store caches pulled images on disk under a data directory, one
// metadata.json plus layer archives and wasm payload per name/tag.
type Store struct {
	dir string
}

// NewStore creates an image store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image cache dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// GetOrPull returns the cached image for ref, pulling it first if needed.
func (s *Store) GetOrPull(ctx context.Context, ref string) (*Image, error) {
	name, tag, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	if img, err := s.loadCached(name, tag); err == nil {
		logger.Info("Using cached image", "image", img.Ref())
		return img, nil
	}

	logger.Info("Image not found in cache, pulling", "name", name, "tag", tag)
	return s.Pull(ctx, ref)
}

// Pull fetches an image into the cache. The registry interaction is
// mocked: a synthetic manifest, config, layer archive and wasm payload are
// written so the rest of the pipeline behaves as with a real image.
func (s *Store) Pull(ctx context.Context, ref string) (*Image, error) {
	name, tag, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	imageDir := filepath.Join(s.dir, name, tag)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image dir: %w", err)
	}

	layerPath := filepath.Join(imageDir, "layer0.tar.gz")
	size, err := writeDemoLayer(layerPath)
	if err != nil {
		return nil, fmt.Errorf("writing layer: %w", err)
	}

	wasmPath := filepath.Join(imageDir, "app.wasm")
	if err := os.WriteFile(wasmPath, demoModule, 0o644); err != nil {
		return nil, fmt.Errorf("writing wasm payload: %w", err)
	}

	img := &Image{
		Name: name,
		Tag:  tag,
		Layers: []Layer{{
			Digest:    "sha256:layer0",
			Size:      size,
			MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
			Path:      layerPath,
		}},
		Config: Config{
			Env:     []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
			Cmd:     []string{"/bin/sh"},
			WorkDir: "/",
		},
		WasmPath: wasmPath,
	}

	if err := s.saveMetadata(img); err != nil {
		return nil, err
	}

	logger.Info("Pulled image", "image", img.Ref())
	return img, nil
}

func (s *Store) loadCached(name, tag string) (*Image, error) {
	metaPath := filepath.Join(s.dir, name, tag, "metadata.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decoding image metadata: %w", err)
	}
	return &img, nil
}

func (s *Store) saveMetadata(img *Image) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding image metadata: %w", err)
	}
	metaPath := filepath.Join(s.dir, img.Name, img.Tag, "metadata.json")
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return fmt.Errorf("writing image metadata: %w", err)
	}
	return nil
}

// writeDemoLayer writes a small but valid gzipped tar archive so layer
// application exercises the same code path as a real image.
func writeDemoLayer(path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	files := map[string]string{
		"etc/os-release": "NAME=wasmdock\nID=wasmdock\n",
		"bin/sh":         "", // placeholder binary path
	}
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, err
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gw.Close(); err != nil {
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
