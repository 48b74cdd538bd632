package option

import (
	"fmt"
	"os"

	"github.com/born-ml/infer/internal/errs"
	"gopkg.in/yaml.v3"
)

// fileOption is the YAML form of the scalar Option fields. Pointers tell an
// absent key from a zero value.
type fileOption struct {
	NumThreads    *int  `yaml:"num_threads"`
	LightMode     *bool `yaml:"lightmode"`
	UseGPUCompute *bool `yaml:"use_gpu_compute"`
}

// LoadFile overlays the YAML document at path on base:
//
//	num_threads: 4
//	lightmode: true
//	use_gpu_compute: false
//
// Allocators cannot be configured from a file.
func LoadFile(path string, base Option) (Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("option: read %s: %w", path, err)
	}
	return Parse(data, base)
}

// Parse overlays a YAML document on base.
func Parse(data []byte, base Option) (Option, error) {
	var f fileOption
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("option: parse: %v: %w", err, errs.ErrConfig)
	}

	opt := base
	if f.NumThreads != nil {
		opt.NumThreads = *f.NumThreads
	}
	if f.LightMode != nil {
		opt.LightMode = *f.LightMode
	}
	if f.UseGPUCompute != nil {
		opt.UseGPUCompute = *f.UseGPUCompute
	}

	if err := opt.Validate(); err != nil {
		return base, err
	}
	return opt, nil
}
