//go:build linux

package bwrap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const allSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL

// newDataFile returns a rewound file containing data. It prefers a memfd and
// falls back to an unlinked temp file. When sealed is set, the memfd is sealed
// against further modification; the temp-file fallback cannot be sealed.
func newDataFile(name string, data []byte, sealed bool) (*os.File, error) {
	flags := unix.MFD_CLOEXEC
	if sealed {
		flags |= unix.MFD_ALLOW_SEALING
	}

	fd, err := unix.MemfdCreate(name, flags)
	if err != nil {
		return newTempDataFile(name, data, err)
	}

	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, errors.Join(internalErrorf("newDataFile", "os.NewFile returned nil"), unix.Close(fd))
	}

	err = writeAndRewind(f, data)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}

	if sealed {
		_, err = unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, allSeals)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("sealing %s: %w", name, err), f.Close())
		}
	}

	return f, nil
}

func newTempDataFile(name string, data []byte, memfdErr error) (*os.File, error) {
	f, err := os.CreateTemp("", name+"-*")
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("memfd_create: %w", memfdErr),
			fmt.Errorf("create temp file: %w", err),
		)
	}

	// The launcher reads through the inherited fd, never by path.
	_ = os.Remove(f.Name())

	err = writeAndRewind(f, data)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}

	return f, nil
}

func writeAndRewind(f *os.File, data []byte) error {
	_, err := f.Write(data)
	if err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("rewind %s: %w", f.Name(), err)
	}

	return nil
}
