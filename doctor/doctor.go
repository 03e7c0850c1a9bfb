// Package doctor checks the environment parley needs: a working
// microphone, speech-to-text credentials, a reachable model server and
// a writable log directory.
package doctor

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"parley/audio"
	"parley/encoder"
	"parley/hotkey"
	"parley/llm"
	"parley/log"
	"parley/transcriber"
)

type Config struct {
	Host   string // model server URL
	Model  string // model that should be present
	STT    string // explicit provider name, or empty for env selection
	Device string // named capture device, or empty for default
}

// Run executes the diagnostic checks and returns an exit code
// (0=all pass, 1=any fail).
func Run(cfg Config) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("parley doctor - environment diagnostics")
	fmt.Println("=======================================")

	allPass := true

	if !checkMicrophone(cfg.Device) {
		allPass = false
	}
	if !checkTranscriber(cfg.STT) {
		allPass = false
	}
	if !checkModelServer(cfg.Host, cfg.Model) {
		allPass = false
	}
	if !checkLogDir() {
		allPass = false
	}

	fmt.Println()
	if msg, err := hotkey.Diagnose(); err != nil {
		fmt.Printf("hotkey (optional): %v\n", err)
	} else {
		fmt.Printf("hotkey (optional): %s\n", msg)
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkMicrophone(deviceName string) bool {
	fmt.Println()
	fmt.Println("[1/4] Microphone")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		return false
	}

	var device *audio.DeviceInfo
	if deviceName != "" {
		for i := range devices {
			if devices[i].Name == deviceName {
				device = &devices[i]
				break
			}
		}
		if device == nil {
			fmt.Printf("  FAIL: device %q not found\n", deviceName)
			return false
		}
		fmt.Printf("  Using device: %s\n", device.Name)
	} else {
		fmt.Printf("  Using system default (%d device(s) available)\n", len(devices))
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("  Press Enter and speak for 2 seconds...")
	reader.ReadString('\n')

	peak, frames, err := probeLevel(ctx, device, 2*time.Second)
	if err != nil {
		fmt.Printf("  FAIL: recording error: %v\n", err)
		return false
	}
	if frames == 0 {
		fmt.Println("  FAIL: no audio delivered by the capture device")
		return false
	}
	if peak < 0.02 {
		fmt.Printf("  FAIL: no signal (peak level %.3f) - is the mic muted?\n", peak)
		return false
	}
	fmt.Printf("  PASS: signal detected (peak level %.2f)\n", peak)
	return true
}

// probeLevel captures for the given duration and reports the peak
// chunk RMS plus the number of frames delivered.
func probeLevel(ctx audio.Context, device *audio.DeviceInfo, d time.Duration) (float64, uint64, error) {
	capture, err := ctx.NewCapture(device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return 0, 0, err
	}
	defer capture.Close()

	var mu sync.Mutex
	var peak float64
	var frames uint64

	capture.SetCallback(func(data []byte, frameCount uint32) {
		var sumSquares float64
		for i := 0; i+1 < len(data); i += 2 {
			sample := int16(binary.LittleEndian.Uint16(data[i:]))
			normalized := float64(sample) / 32768.0
			sumSquares += normalized * normalized
		}
		rms := 0.0
		if len(data) > 1 {
			rms = math.Sqrt(sumSquares / float64(len(data)/2))
		}
		mu.Lock()
		frames += uint64(frameCount)
		if rms > peak {
			peak = rms
		}
		mu.Unlock()
	})

	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		return 0, 0, err
	}

	fmt.Print("  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	deadline := time.After(d)
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			fmt.Print(".")
		}
	}
	ticker.Stop()
	fmt.Println(" done")

	capture.Stop()
	capture.ClearCallback()

	mu.Lock()
	defer mu.Unlock()
	return peak, frames, nil
}

func checkTranscriber(name string) bool {
	fmt.Println()
	fmt.Println("[2/4] Speech-to-text")

	if name == "fake" {
		fmt.Println("  PASS: fake provider (no credentials needed)")
		return true
	}

	tr, err := transcriber.New(name)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Printf("  Provider: %s\n", tr.Name())

	// A short silent session exercises both the key and the wire.
	sess, err := tr.NewSession(context.Background(), transcriber.SessionConfig{
		SampleRate: encoder.SampleRate,
	})
	if err != nil {
		fmt.Printf("  FAIL: cannot open session: %v\n", err)
		return false
	}
	sess.Feed(make([]byte, encoder.SampleRate)) // half a second of silence
	_, err = sess.Close()
	switch {
	case err == nil:
		fmt.Println("  PASS: credentials accepted, service reachable")
		return true
	case errors.Is(err, transcriber.ErrAuth):
		fmt.Printf("  FAIL: API key rejected: %v\n", err)
		return false
	default:
		fmt.Printf("  FAIL: service unreachable: %v\n", err)
		return false
	}
}

func checkModelServer(host, model string) bool {
	fmt.Println()
	fmt.Println("[3/4] Model server")
	fmt.Printf("  Host: %s, model: %s\n", host, model)

	cli, err := llm.New(llm.Config{Host: host, Model: model})
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = cli.Ping(ctx)
	switch {
	case err == nil:
		fmt.Println("  PASS: server reachable, model present")
		return true
	case errors.Is(err, llm.ErrModelUnavailable):
		fmt.Printf("  FAIL: model not on the server; try: ollama pull %s\n", model)
		return false
	default:
		fmt.Printf("  FAIL: server unreachable (is ollama running?): %v\n", err)
		return false
	}
}

func checkLogDir() bool {
	fmt.Println()
	fmt.Println("[4/4] Log directory")

	dir := log.Dir()
	if dir == "" {
		resolved, err := log.ResolveDir("")
		if err != nil {
			fmt.Printf("  FAIL: cannot resolve log directory: %v\n", err)
			return false
		}
		log.SetDir(resolved)
		dir = resolved
	}
	fmt.Printf("  Directory: %s\n", dir)

	if err := log.EnsureDir(); err != nil {
		fmt.Printf("  FAIL: cannot create: %v\n", err)
		return false
	}
	probe := filepath.Join(dir, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok\n"), 0644); err != nil {
		fmt.Printf("  FAIL: not writable: %v\n", err)
		return false
	}
	os.Remove(probe)
	fmt.Println("  PASS: writable")
	return true
}
