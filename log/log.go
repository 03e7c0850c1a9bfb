package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	chatFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

// GenMetrics captures one language-model request.
type GenMetrics struct {
	Model        string
	PromptTokens int
	OutputTokens int
	LoadMs       float64
	EvalMs       float64
	DNSMs        float64
	TLSMs        float64
	TTFBMs       float64
	TotalMs      float64
	ConnReused   bool
}

// StreamMetrics captures one streaming recognition session.
type StreamMetrics struct {
	ConnectMs    float64
	FinalizeMs   float64
	AudioS       float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
}

// BatchMetrics captures one batch transcription upload.
type BatchMetrics struct {
	AudioS       float64
	RawKB        float64
	FlacKB       float64
	EncodeMs     float64
	UploadMs     float64
	TTFBMs       float64
	TotalMs      float64
	ConnReused   bool
	NoSpeechProb float64
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: PARLEY_LOG_PATH environment variable
	envPath := os.Getenv("PARLEY_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	chatPath := filepath.Join(dir, "chat_log.txt")
	chatFile, err = os.OpenFile(chatPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if chatFile != nil {
		chatFile.Close()
		chatFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// ChatText appends one chat line (role user/assistant/tool) to chat_log.txt.
func ChatText(role, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, role, text)
	chatFile.WriteString(line)
}

func Generation(m GenMetrics) {
	if !logReady {
		return
	}

	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}

	diagLog.Info().
		Str("model", m.Model).
		Str("conn", connStatus).
		Int("prompt_tokens", m.PromptTokens).
		Int("output_tokens", m.OutputTokens).
		Float64("load_ms", m.LoadMs).
		Float64("eval_ms", m.EvalMs).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Msg("generation")
}

func Recognition(m StreamMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Msg("recognition")
}

func Transcription(m BatchMetrics) {
	if !logReady {
		return
	}

	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}

	diagLog.Info().
		Str("conn", connStatus).
		Float64("audio_s", m.AudioS).
		Float64("raw_kb", m.RawKB).
		Float64("flac_kb", m.FlacKB).
		Float64("encode_ms", m.EncodeMs).
		Float64("upload_ms", m.UploadMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Float64("no_speech_prob", m.NoSpeechProb).
		Msg("transcription")
}

func SessionStart(sttProvider, model, lang string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("stt", sttProvider).
		Str("model", model).
		Str("lang", lang).
		Msg("session_start")
}

func SessionEnd(messages int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("messages", messages).
		Msg("session_end")
}
