//go:build !linux

package hotkey

import (
	"golang.design/x/hotkey"
)

type xHotkey struct {
	hk      *hotkey.Hotkey
	toggled chan struct{}
	done    chan struct{}
}

func New() Hotkey {
	return &xHotkey{
		hk:      hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeySpace),
		toggled: make(chan struct{}, 1),
	}
}

func (h *xHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	h.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-h.hk.Keydown():
				select {
				case h.toggled <- struct{}{}:
				default:
				}
			case <-h.done:
				return
			}
		}
	}()
	return nil
}

func (h *xHotkey) Unregister() {
	if h.done != nil {
		close(h.done)
	}
	h.hk.Unregister()
}

func (h *xHotkey) Toggled() <-chan struct{} {
	return h.toggled
}

func Diagnose() (string, error) {
	return "hotkey support available (Ctrl+Shift+Space)", nil
}
