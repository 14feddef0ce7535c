package pdf

import (
	"errors"
	"fmt"
	"os"
)

// OpenFile maps the file at path into memory and returns a LocalManager
// serving it. Close the manager to release the mapping.
func OpenFile(path string, opts Options) (*LocalManager, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapError("open", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, wrapError("open", err)
	}
	if fi.Size() == 0 {
		return nil, wrapError("open", errors.New("empty file"))
	}
	data, unmap, err := mapFile(f, fi.Size())
	if err != nil {
		return nil, wrapError("open", fmt.Errorf("mapping %s: %w", path, err))
	}
	m := NewLocalManager(data, opts)
	m.close = unmap
	return m, nil
}
