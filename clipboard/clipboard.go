// Package clipboard copies text to the system clipboard.
package clipboard

import cb "github.com/atotto/clipboard"

func Copy(text string) error {
	if err := cb.WriteAll(text); err != nil {
		return copyFallback(text, err)
	}
	return nil
}
