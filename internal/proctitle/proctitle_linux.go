//go:build linux

package proctitle

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// set calls PR_SET_NAME, which only affects /proc/<pid>/comm and tools that
// read it (ps -L, top's thread view); it does not rewrite argv, so `ps aux`
// still shows the original command line. Truncated to 15 bytes by the
// kernel; errors are not actionable and are ignored.
func set(title string) {
	if len(title) > 15 {
		title = title[:15]
	}
	buf := append([]byte(title), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
