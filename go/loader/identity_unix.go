//go:build unix

package loader

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func identify(f *os.File) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, 0, errors.Wrap(err, "fstat")
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}
