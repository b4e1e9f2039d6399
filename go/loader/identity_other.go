//go:build !unix

package loader

import (
	"hash/fnv"
	"os"
	"path/filepath"
)

// without inode numbers the absolute path stands in for identity
func identify(f *os.File) (dev, ino uint64, err error) {
	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return 0, 0, err
	}
	h := fnv.New64a()
	h.Write([]byte(abs))
	return 0, h.Sum64(), nil
}
