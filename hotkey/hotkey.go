// Package hotkey delivers a global capture toggle (ctrl+shift+space)
// that works regardless of which window has focus.
package hotkey

type Hotkey interface {
	Register() error
	Unregister()
	Toggled() <-chan struct{}
}
