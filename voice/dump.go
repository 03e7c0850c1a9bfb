package voice

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"parley/encoder"
)

// sessionDump collects one session's PCM and writes it out as a
// timestamped FLAC when the session ends. An empty session leaves no
// file behind.
type sessionDump struct {
	path string

	mu  sync.Mutex
	pcm []byte
}

func newSessionDump(dir string) (*sessionDump, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("capture-%s.flac", time.Now().Format("20060102-150405"))
	return &sessionDump{path: filepath.Join(dir, name)}, nil
}

func (d *sessionDump) write(pcm []byte) {
	d.mu.Lock()
	d.pcm = append(d.pcm, pcm...)
	d.mu.Unlock()
}

// close encodes and writes the collected audio, returning the path of
// the file it wrote ("" when there was nothing to write).
func (d *sessionDump) close() (string, error) {
	d.mu.Lock()
	pcm := d.pcm
	d.pcm = nil
	d.mu.Unlock()

	if len(pcm) == 0 {
		return "", nil
	}
	enc, err := encoder.NewFlac()
	if err != nil {
		return "", err
	}
	if err := encoder.EncodeAll(enc, pcm); err != nil {
		return "", err
	}
	if err := os.WriteFile(d.path, enc.Bytes(), 0o644); err != nil {
		return "", err
	}
	return d.path, nil
}
