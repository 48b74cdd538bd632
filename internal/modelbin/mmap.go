package modelbin

import (
	"bytes"
	"fmt"
	"os"
)

// mapping is a read-only file image kept alive until Close.
type mapping struct {
	file *os.File
	data []byte
}

func (m *mapping) Close() error {
	var err error
	if m.data != nil {
		err = munmapFile(m.data)
		m.data = nil
	}
	if cerr := m.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// MapSafeTensors memory-maps the safetensors file at path. Tensor data is
// paged in on demand; Close unmaps the file, after which Load must not be
// called.
func MapSafeTensors(path string, opts ...Option) (*SafeTensors, error) {
	//nolint:gosec // G304: model paths come from the caller
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modelbin: open %s: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("modelbin: stat %s: %w", path, err)
	}

	m := &mapping{file: f}
	if stat.Size() > 0 {
		if m.data, err = mmapFile(f, stat.Size()); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("modelbin: mmap %s: %w", path, err)
		}
	}

	s, err := FromSafeTensors(bytes.NewReader(m.data), opts...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	s.closer = m
	return s, nil
}
