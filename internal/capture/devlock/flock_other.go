//go:build !unix

package devlock

import "os"

// Only in-process exclusion is enforced on this platform.
func tryFlock(f *os.File) error { return nil }

func funlock(f *os.File) error { return nil }
