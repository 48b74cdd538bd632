//go:build !unix && !windows

package modelbin

import (
	"io"
	"os"
)

// Without mmap the whole file is read into memory.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmapFile([]byte) error {
	return nil
}
