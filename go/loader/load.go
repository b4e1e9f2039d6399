package loader

import (
	"os"

	"github.com/pkg/errors"
)

// File is an opened object with its identity and parsed image.
type File struct {
	*Image
	f *os.File
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

func (f *File) Close() error {
	return f.f.Close()
}

// Open opens and parses path, recording its device/inode identity.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	img, err := Parse(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.Size = st.Size()
	if img.Dev, img.Ino, err = identify(f); err != nil {
		f.Close()
		return nil, errors.Wrap(err, path)
	}
	return &File{Image: img, f: f}, nil
}
