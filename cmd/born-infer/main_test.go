package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := option.Default()
	t.Cleanup(func() { _ = option.SetDefault(prev) })

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "born-infer "+version+"\n", out)
}

func TestLayers(t *testing.T) {
	out, err := run(t, "layers")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^15\s+InnerProduct\s+yes$`, out)
	assert.Regexp(t, `(?m)^26\s+ReLU\s+yes$`, out)
	assert.NotContains(t, out, "Convolution")

	out, err = run(t, "layers", "--all")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^6\s+Convolution\s+no$`, out)
}

func TestInspect(t *testing.T) {
	header := `{"__metadata__":{"format":"pt"},` +
		`"fc.bias":{"dtype":"F32","shape":[2],"data_offsets":[24,32]},` +
		`"fc.weight":{"dtype":"F32","shape":[2,3],"data_offsets":[0,24]}}`
	img := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	img = append(img, header...)
	img = append(img, make([]byte, 32)...)

	path := filepath.Join(t.TempDir(), "fc.safetensors")
	require.NoError(t, os.WriteFile(path, img, 0o600))

	out, err := run(t, "inspect", path)
	require.NoError(t, err)
	assert.Regexp(t, `(?s)fc\.weight\s+F32\s+\[2 3\]\s+6.*fc\.bias\s+F32\s+\[2\]\s+2`, out)
	assert.Contains(t, out, "# format")

	_, err = run(t, "inspect", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestBench(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"float", []string{"--threads", "2"}, "float32 threads=2"},
		{"int8", []string{"--int8", "--threads", "1"}, "int8 threads=1"},
		{"gpu", []string{"--gpu"}, "gpu-emulator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"bench", "--num-output", "8", "--size", "16", "-n", "3"}, tt.args...)
			out, err := run(t, args...)
			require.NoError(t, err)
			assert.Contains(t, out, "innerproduct 8x16 "+tt.want)
		})
	}
}

func TestBench_Config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "option.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_threads: 3\n"), 0o600))
	t.Setenv(option.EnvNumThreads, "")

	out, err := run(t, "bench", "--config", path, "--num-output", "4", "--size", "4", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "threads=3")
}

func TestBench_Errors(t *testing.T) {
	_, err := run(t, "bench", "--gpu", "--int8")
	require.ErrorIs(t, err, errs.ErrConfig)

	_, err = run(t, "bench", "--size", "0")
	require.ErrorIs(t, err, errs.ErrConfig)

	_, err = run(t, "bench", "--threads", "0", "-n", "1", "--size", "4", "--num-output", "4")
	require.ErrorIs(t, err, errs.ErrConfig)
}
