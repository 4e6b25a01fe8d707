//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncData flushes file contents without forcing a metadata-only update.
func syncData(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
