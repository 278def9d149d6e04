// Package proctitle sets the externally visible process title: the parent
// is displayed as "OpenSRF Listener [<app>]", each worker as "OpenSRF Drone
// [<app>]". Go has no portable equivalent of argv-rewriting, so this is a
// best-effort, Linux-only substitution via PR_SET_NAME, which truncates to
// 15 bytes. Other platforms get a no-op.
package proctitle

import "fmt"

// Listener formats the parent process title for appName.
func Listener(appName string) string {
	return fmt.Sprintf("OpenSRF Listener [%s]", appName)
}

// Drone formats a worker process title for appName.
func Drone(appName string) string {
	return fmt.Sprintf("OpenSRF Drone [%s]", appName)
}

// Set applies title as the current process's title, best-effort.
func Set(title string) {
	set(title)
}
