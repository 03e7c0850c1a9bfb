package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"parley/audio"
	"parley/beep"
	"parley/doctor"
	"parley/encoder"
	"parley/hotkey"
	"parley/llm"
	"parley/log"
	"parley/shutdown"
	"parley/transcriber"
	"parley/voice"
)

var version = "dev"

// deps bundles everything the chat program talks to, so demo mode can
// swap the whole stack in one place.
type deps struct {
	ctx        audio.Context
	src        *voice.Source
	gen        llm.Generator
	sttName    string
	modeLine   string
	deviceLine string
}

func run() {
	modelFlag := flag.String("model", "llama3.2", "Model to chat with")
	hostFlag := flag.String("host", "", "Model server URL (default: $OLLAMA_HOST or "+llm.DefaultHost+")")
	langFlag := flag.String("lang", "", "Language code for speech and replies (e.g. en, tr); empty keeps defaults")
	sttFlag := flag.String("stt", "", "Speech-to-text provider: deepgram, groq, openai or fake (default: first configured)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	toolsFlag := flag.Bool("tools", false, "Let the model call local tools (current_time, roll_dice)")
	dumpFlag := flag.Bool("dump", false, "Write each capture session as FLAC into the log directory")
	fakeFlag := flag.Bool("fake", false, "Demo mode: synthesized mic, scripted recognizer and canned model")
	hotkeyFlag := flag.Bool("hotkey", false, "Register a global capture toggle (ctrl+shift+space)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	doctorFlag := flag.Bool("doctor", false, "Run environment diagnostics and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *versionFlag {
		fmt.Printf("parley %s\n", version)
		os.Exit(0)
	}

	host := *hostFlag
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = llm.DefaultHost
	}

	if *doctorFlag {
		os.Exit(doctor.Run(doctor.Config{
			Host:   host,
			Model:  *modelFlag,
			STT:    *sttFlag,
			Device: *deviceFlag,
		}))
	}

	var d deps
	if *fakeFlag {
		d, err = fakeDeps(*langFlag)
	} else {
		d, err = realDeps(realConfig{
			Host:   host,
			Model:  *modelFlag,
			Lang:   *langFlag,
			STT:    *sttFlag,
			Device: *deviceFlag,
			Setup:  *setupFlag,
			Tools:  *toolsFlag,
			Dump:   *dumpFlag,
		})
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer d.ctx.Close()
	defer d.src.Close()

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	} else {
		log.SessionStart(d.sttName, d.gen.Model(), *langFlag)
	}

	p := newChatProgram(tuiConfig{
		Source:     d.src,
		Gen:        d.gen,
		ModeLine:   d.modeLine,
		DeviceLine: d.deviceLine,
	})
	setProgram(p)

	go func() {
		for sig := range d.src.Signals() {
			tuiSend(signalMsg{sig: sig})
		}
	}()
	go func() {
		for ev := range d.src.Events() {
			tuiSend(eventMsg{ev: ev})
		}
	}()

	if *hotkeyFlag {
		hk := hotkey.New()
		if err := hk.Register(); err != nil {
			log.Errorf("hotkey register error: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: global hotkey unavailable: %v\n", err)
		} else {
			defer hk.Unregister()
			go func() {
				for range hk.Toggled() {
					tuiSend(toggleMsg{})
				}
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		p.Quit()
	}()

	go beep.Init()

	final, err := p.Run()
	if err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	if m, ok := final.(chatModel); ok {
		log.SessionEnd(len(m.history))
	}
	log.Close()
}

type realConfig struct {
	Host, Model, Lang, STT, Device string
	Setup, Tools, Dump             bool
}

func realDeps(cfg realConfig) (deps, error) {
	tr, err := transcriberFor(cfg.STT)
	if err != nil {
		return deps{}, err
	}
	if cfg.Lang != "" {
		tr.SetLanguage(cfg.Lang)
	}

	actx, err := audio.NewContext()
	if err != nil {
		return deps{}, fmt.Errorf("initializing audio: %w", err)
	}

	var selected *audio.DeviceInfo
	switch {
	case cfg.Device != "":
		if devices, err := actx.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == cfg.Device {
					selected = &devices[i]
					break
				}
			}
		}
		if selected == nil {
			fmt.Printf("Warning: device %q not found, using system default\n", cfg.Device)
		}
	case cfg.Setup:
		selected, err = audio.SelectDevice(actx)
		if err != nil {
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selected = nil
		}
	}

	var tools *llm.Toolset
	if cfg.Tools {
		tools = llm.DefaultToolset()
	}
	cli, err := llm.New(llm.Config{Host: cfg.Host, Model: cfg.Model, Lang: cfg.Lang, Tools: tools})
	if err != nil {
		actx.Close()
		if errors.Is(err, llm.ErrUnsupportedLocale) {
			return deps{}, fmt.Errorf("%w (supported: %s)", err, strings.Join(llm.Languages(), " "))
		}
		return deps{}, err
	}

	dumpDir := ""
	if cfg.Dump {
		dumpDir = log.Dir()
	}
	src, err := voice.New(voice.Config{
		Context:     actx,
		Device:      selected,
		Transcriber: tr,
		SampleRate:  encoder.SampleRate,
		Language:    cfg.Lang,
		DumpDir:     dumpDir,
	})
	if err != nil {
		actx.Close()
		return deps{}, err
	}

	// The server check must not delay startup; a failure becomes a
	// status-line hint once the UI is up.
	go func() {
		if err := cli.Ping(context.Background()); err != nil {
			log.Warnf("model server check: %v", err)
			tuiSend(statusMsg{text: generationHint(cli, err)})
		}
	}()

	return deps{
		ctx:        actx,
		src:        src,
		gen:        cli,
		sttName:    tr.Name(),
		modeLine:   modeLineText(cfg.Model, cfg.Host, tr.Name(), cfg.Lang, tools),
		deviceLine: deviceLineText(selected),
	}, nil
}

func transcriberFor(name string) (transcriber.Transcriber, error) {
	if name == "fake" {
		tr := transcriber.NewFake("this is only a scripted test", nil)
		tr.Script = []string{"this is", "this is only a", "this is only a scripted test"}
		tr.Interval = 600 * time.Millisecond
		return tr, nil
	}
	return transcriber.New(name)
}

func modeLineText(model, host, stt, lang string, tools *llm.Toolset) string {
	host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
	sttLabel := stt
	if lang != "" {
		sttLabel += " (" + lang + ")"
	}
	line := fmt.Sprintf("[%s @ %s | stt: %s", model, host, sttLabel)
	if tools != nil {
		line += " | tools: " + strings.Join(tools.Names(), ",")
	}
	return line + "]"
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT: lower audio quality)"
		}
	}
	return "mic: " + name + suffix
}
