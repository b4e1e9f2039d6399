package prebind

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
)

// CacheFolder locates sidecar trailers for objects that cannot be written.
var CacheFolder = func() *configdir.Config {
	return configdir.New("lunixbochs", "rtld").QueryCacheFolder()
}

func sidecarName(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h := fnv.New64a()
	h.Write([]byte(abs))
	return fmt.Sprintf("%s-%016x.prebind", filepath.Base(path), h.Sum64())
}

// contentSum hashes the first size bytes of path.
func contentSum(path string, size int64) (uint64, error) {
	fd, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer fd.Close()
	h := fnv.New64a()
	if _, err := io.CopyN(h, fd, size); err != nil {
		return 0, errors.Wrapf(err, "reading %s", path)
	}
	return h.Sum64(), nil
}

// File is an opened, memory-mapped prebind trailer.
type File struct {
	*Data
	Path    string
	Sidecar bool

	size    uint32
	mapping []byte
	unmap   func([]byte) error
}

func (f *File) Close() error {
	if f.mapping == nil {
		return nil
	}
	m := f.mapping
	f.mapping = nil
	return errors.WithStack(f.unmap(m))
}

func openMapped(path string) (*File, int64, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	defer fd.Close()
	st, err := fd.Stat()
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	if st.Size() < int64(footerSize) {
		return nil, st.Size(), ErrNoTrailer
	}
	mapping, unmap, err := mmapFile(fd, st.Size())
	if err != nil {
		return nil, 0, errors.Wrapf(err, "mapping %s", path)
	}
	data, trailer, err := decode(mapping)
	if err != nil {
		unmap(mapping)
		return nil, st.Size(), err
	}
	return &File{Data: data, Path: path, size: trailer, mapping: mapping, unmap: unmap}, st.Size(), nil
}

// Open returns the trailer stored in path, or in its sidecar.
func Open(path string) (*File, error) {
	f, size, err := openMapped(path)
	if err == nil {
		if f.OrigSize+uint64(f.size) != uint64(size) {
			f.Close()
			return nil, errors.Wrapf(ErrCorrupt, "%s: size mismatch", path)
		}
		return f, nil
	}
	if errors.Cause(err) != ErrNoTrailer {
		return nil, err
	}
	folder := CacheFolder()
	name := sidecarName(path)
	if folder == nil || !folder.Exists(name) {
		return nil, errors.Wrap(ErrNoTrailer, path)
	}
	f, _, err = openMapped(filepath.Join(folder.Path, name))
	if err != nil {
		return nil, err
	}
	if f.OrigSize != uint64(size) {
		f.Close()
		return nil, errors.Wrapf(ErrCorrupt, "%s: sidecar for a %d byte file", path, f.OrigSize)
	}
	// a file rebuilt to the same size keeps its sidecar name
	sum, err := contentSum(path, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	if sum != f.OrigSum {
		f.Close()
		return nil, errors.Wrapf(ErrCorrupt, "%s: sidecar for different contents", path)
	}
	f.Sidecar = true
	return f, nil
}

// origSize is the size of path without any trailer.
func origSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	f, _, err := openMapped(path)
	if err != nil {
		return st.Size(), nil
	}
	defer f.Close()
	return int64(f.OrigSize), nil
}

// Write replaces any trailer on path with d, falling back to a sidecar
// when path is not writable.
func Write(path string, d *Data) error {
	size, err := origSize(path)
	if err != nil {
		return err
	}
	d.OrigSize = uint64(size)
	if d.OrigSum, err = contentSum(path, size); err != nil {
		return err
	}
	blob, err := encode(d)
	if err != nil {
		return err
	}
	fd, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if !os.IsPermission(err) {
			return errors.WithStack(err)
		}
		folder := CacheFolder()
		if err := folder.MkdirAll(); err != nil {
			return errors.Wrap(err, "creating prebind cache folder")
		}
		return errors.Wrap(folder.WriteFile(sidecarName(path), blob), "writing prebind sidecar")
	}
	defer fd.Close()
	if err := fd.Truncate(size); err != nil {
		return errors.WithStack(err)
	}
	if _, err := fd.WriteAt(blob, size); err != nil {
		return errors.WithStack(err)
	}
	removeSidecar(path)
	return nil
}

func removeSidecar(path string) {
	folder := CacheFolder()
	if folder == nil {
		return
	}
	if name := sidecarName(path); folder.Exists(name) {
		os.Remove(filepath.Join(folder.Path, name))
	}
}

// Strip removes the trailer from path and deletes any sidecar.
func Strip(path string) error {
	defer removeSidecar(path)
	f, _, err := openMapped(path)
	if err != nil {
		if errors.Cause(err) == ErrNoTrailer {
			return nil
		}
		return err
	}
	size := int64(f.OrigSize)
	f.Close()
	return errors.WithStack(os.Truncate(path, size))
}
