package clipboard

import (
	"fmt"
	"os/exec"
	"strings"
)

// copyFallback shells out to wl-copy or xclip directly. The library
// picks one tool at first use; on mixed Wayland/X11 sessions that
// choice can go stale, so a broken write gets one more chance here.
func copyFallback(text string, orig error) error {
	for _, tool := range [][]string{
		{"wl-copy"},
		{"xclip", "-selection", "clipboard"},
	} {
		if _, err := exec.LookPath(tool[0]); err != nil {
			continue
		}
		cmd := exec.Command(tool[0], tool[1:]...)
		cmd.Stdin = strings.NewReader(text)
		if err := cmd.Run(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("clipboard write failed (install wl-clipboard or xclip): %w", orig)
}
