//go:build !linux

package blockdev

import "os"

func syncFile(file *os.File) error {
	return file.Sync()
}
