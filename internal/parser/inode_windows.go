//go:build windows

package parser

import "os"

// Windows has no cheap stable inode; rotation is still caught by the
// size-shrunk check in ReadNew.
func fileInode(_ os.FileInfo) uint64 {
	return 0
}
