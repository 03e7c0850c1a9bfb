//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	// Global hotkey registration needs the OS main thread on these
	// platforms; run() moves to a worker goroutine.
	mainthread.Init(run)
}
