package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"parley/clipboard"
	"parley/composer"
	"parley/llm"
	"parley/log"
	"parley/voice"
)

// signalMsg carries one pipeline snapshot from the voice source.
type signalMsg struct{ sig voice.Signal }

// eventMsg carries a silence verdict or recognizer failure.
type eventMsg struct{ ev voice.Event }

// readyCheckMsg delivers a scheduled composer evaluation.
type readyCheckMsg struct{ gen int }

// replyDeltaMsg is one streamed chunk of the assistant reply.
type replyDeltaMsg struct{ text string }

// replyDoneMsg ends a generation, successfully or not.
type replyDoneMsg struct {
	reply *llm.Reply
	err   error
}

// digestMsg ends a conversation-digest request.
type digestMsg struct {
	digest *llm.Digest
	err    error
}

// toggleMsg is the global hotkey asking to flip capture.
type toggleMsg struct{}

// statusMsg replaces the transient status line.
type statusMsg struct{ text string }

type tickMsg time.Time

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func setProgram(p *tea.Program) {
	tuiMu.Lock()
	tuiProgram = p
	tuiMu.Unlock()
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	modeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	botStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	botTagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true)
	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	meterOnSty   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	meterOffSty  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	sendStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
)

type chatLine struct {
	role string // user, assistant, note
	text string
}

type tuiConfig struct {
	Source     *voice.Source
	Gen        llm.Generator
	ModeLine   string
	DeviceLine string
}

type chatModel struct {
	width, height int
	frame         int

	machine *composer.Machine
	src     *voice.Source
	gen     llm.Generator

	history []llm.Message
	lines   []chatLine

	streaming bool
	digesting bool
	partial   string

	capturing    bool
	captureStart time.Time
	level        float64
	peak         float64
	silenceWarn  bool

	modeLine   string
	deviceLine string
	status     string
	statusErr  bool
	lastReply  string
	lastStats  string
}

func newChatProgram(cfg tuiConfig) *tea.Program {
	m := chatModel{
		machine:    composer.New(),
		src:        cfg.Source,
		gen:        cfg.Gen,
		modeLine:   cfg.ModeLine,
		deviceLine: cfg.DeviceLine,
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m chatModel) Init() tea.Cmd {
	return tuiTick()
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case toggleMsg:
		return m.exec(m.machine.Toggle())

	case signalMsg:
		return m.applySignal(msg.sig)

	case eventMsg:
		m = m.applyEvent(msg.ev)

	case readyCheckMsg:
		return m.exec(m.machine.ReadyCheck(msg.gen))

	case replyDeltaMsg:
		if m.streaming {
			m.partial += msg.text
		}

	case replyDoneMsg:
		return m.finishReply(msg), nil

	case digestMsg:
		m.digesting = false
		if msg.err != nil {
			m.setError(generationHint(m.gen, msg.err))
			log.Errorf("digest: %v", msg.err)
			break
		}
		d := msg.digest
		m.lines = append(m.lines,
			chatLine{role: "note", text: fmt.Sprintf("digest: %s [%s]", d.Title, d.Sentiment)},
			chatLine{role: "note", text: d.Summary},
		)
		m.setStatus("")
		log.Info("digest: " + d.Title)

	case statusMsg:
		m.setStatus(msg.text)
	}
	return m, nil
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "tab":
		return m.exec(m.machine.Toggle())

	case "enter":
		if m.streaming || m.digesting {
			if m.machine.Snapshot().ShowSend {
				m.setStatus("still answering, hold on")
			}
			return m, nil
		}
		return m.exec(m.machine.Send())

	case "y":
		if m.lastReply == "" {
			m.setStatus("nothing to copy yet")
			return m, nil
		}
		if err := clipboard.Copy(m.lastReply); err != nil {
			m.setError("copy failed: " + err.Error())
			log.Errorf("clipboard: %v", err)
		} else {
			m.setStatus("reply copied")
		}
		return m, nil

	case "d":
		if m.streaming || m.digesting {
			m.setStatus("still answering, hold on")
			return m, nil
		}
		if len(m.history) == 0 {
			m.setStatus("nothing to digest yet")
			return m, nil
		}
		m.digesting = true
		m.setStatus("digesting...")
		return m, digestCmd(m.gen, m.history)
	}
	return m, nil
}

// exec performs what a composer transition asked for. Source calls are
// immediate; checks and sends come back as commands.
func (m chatModel) exec(eff composer.Effect) (chatModel, tea.Cmd) {
	var cmds []tea.Cmd

	if eff.ClearSource {
		m.src.Clear()
	}
	if eff.Stop {
		m.src.Stop()
	}
	if eff.Start {
		if err := m.src.Start(); err != nil {
			m.machine.StartFailed()
			m.setError(startHint(err))
			log.Errorf("capture start: %v", err)
		} else {
			m.setStatus("")
		}
	}
	if eff.Check != nil {
		gen := eff.Check.Gen
		cmds = append(cmds, tea.Tick(eff.Check.Delay, func(time.Time) tea.Msg {
			return readyCheckMsg{gen: gen}
		}))
	}
	if eff.Send != "" {
		m.lines = append(m.lines, chatLine{role: "user", text: eff.Send})
		m.history = append(m.history, llm.Message{Role: llm.RoleUser, Content: eff.Send})
		log.ChatText("user", eff.Send)
		m.streaming = true
		m.partial = ""
		m.setStatus("")
		cmds = append(cmds, generateCmd(m.gen, m.history))
	}

	if len(cmds) == 0 {
		return m, nil
	}
	return m, tea.Batch(cmds...)
}

// applySignal feeds one source snapshot through the composer machine.
// Capture transitions go in before the transcript so a final revision
// lands on a machine that already knows capture ended.
func (m chatModel) applySignal(sig voice.Signal) (chatModel, tea.Cmd) {
	if sig.Capturing && !m.capturing {
		m.captureStart = time.Now()
		m.peak = 0
		m.silenceWarn = false
	}
	if sig.Capturing {
		m.level = sig.Loudness*0.4 + m.level*0.6
		if sig.Loudness > m.peak {
			m.peak = sig.Loudness
		}
	} else {
		m.level = 0
		m.silenceWarn = false
	}
	m.capturing = sig.Capturing

	m, capCmd := m.exec(m.machine.CaptureChanged(sig.Capturing))
	m, txtCmd := m.exec(m.machine.TranscriptChanged(sig.Transcript))
	return m, tea.Batch(capCmd, txtCmd)
}

func (m chatModel) applyEvent(ev voice.Event) chatModel {
	if ev.Err != nil {
		m.setError("recognition failed, transcript may be incomplete")
		return m
	}
	switch ev.Silence {
	case voice.SilenceWarn:
		m.silenceWarn = true
	case voice.SilenceWarnClear:
		m.silenceWarn = false
	case voice.SilenceAutoClose:
		m.silenceWarn = false
		m.setStatus("capture stopped after prolonged silence")
	}
	return m
}

func (m chatModel) finishReply(msg replyDoneMsg) chatModel {
	m.streaming = false
	m.partial = ""
	if msg.err != nil {
		m.setError(generationHint(m.gen, msg.err))
		log.Errorf("generation: %v", msg.err)
		return m
	}

	reply := msg.reply
	m.history = append(m.history, reply.Turn...)
	if len(reply.ToolsUsed) > 0 {
		m.lines = append(m.lines, chatLine{role: "note", text: "ran " + strings.Join(reply.ToolsUsed, ", ")})
	}
	text := reply.Content
	if text == "" {
		text = "(empty reply)"
	}
	m.lines = append(m.lines, chatLine{role: "assistant", text: text})
	m.lastReply = reply.Content
	m.lastStats = statsLine(m.gen.Model(), reply)
	m.setStatus("")

	log.ChatText("assistant", reply.Content)
	log.Generation(log.GenMetrics{
		Model:        m.gen.Model(),
		PromptTokens: reply.Stats.PromptTokens,
		OutputTokens: reply.Stats.OutputTokens,
		LoadMs:       float64(reply.Stats.Load.Milliseconds()),
		EvalMs:       float64(reply.Stats.Eval.Milliseconds()),
		DNSMs:        float64(reply.Metrics.DNS.Milliseconds()),
		TLSMs:        float64(reply.Metrics.TLS.Milliseconds()),
		TTFBMs:       float64(reply.Metrics.TTFB.Milliseconds()),
		TotalMs:      float64(reply.Metrics.Total.Milliseconds()),
		ConnReused:   reply.Metrics.ConnReused,
	})
	return m
}

func (m *chatModel) setStatus(text string) {
	m.status = text
	m.statusErr = false
}

func (m *chatModel) setError(text string) {
	m.status = text
	m.statusErr = true
}

func generateCmd(gen llm.Generator, history []llm.Message) tea.Cmd {
	msgs := append([]llm.Message(nil), history...)
	return func() tea.Msg {
		reply, err := gen.ChatStream(context.Background(), msgs, func(delta string) {
			tuiSend(replyDeltaMsg{text: delta})
		})
		return replyDoneMsg{reply: reply, err: err}
	}
}

func digestCmd(gen llm.Generator, history []llm.Message) tea.Cmd {
	msgs := append([]llm.Message(nil), history...)
	return func() tea.Msg {
		d, err := gen.Digest(context.Background(), msgs)
		return digestMsg{digest: d, err: err}
	}
}

func startHint(err error) string {
	switch {
	case errors.Is(err, voice.ErrPermissionDenied):
		return "microphone access denied; grant mic access to this terminal and press tab again"
	case errors.Is(err, voice.ErrAudioConfig):
		return "audio device failed; check the capture device (-setup) and press tab again"
	default:
		return "could not start capture: " + err.Error()
	}
}

func generationHint(gen llm.Generator, err error) string {
	var refusal *llm.RefusalError
	switch {
	case errors.Is(err, llm.ErrBusy):
		return "still answering the previous message"
	case errors.Is(err, llm.ErrModelUnavailable):
		return fmt.Sprintf("model not on the server; try: ollama pull %s", gen.Model())
	case errors.Is(err, llm.ErrRateLimited):
		return "model server is rate limiting; try again in a moment"
	case errors.Is(err, llm.ErrContextWindow):
		return "conversation no longer fits the model; quit and start fresh"
	case errors.As(err, &refusal):
		return err.Error()
	default:
		return err.Error()
	}
}

func statsLine(model string, r *llm.Reply) string {
	conn := "new conn"
	if r.Metrics.ConnReused {
		conn = "conn reused"
	}
	return fmt.Sprintf("%s | %d>%d tok | eval %.1fs | ttfb %dms | total %.1fs | %s",
		model, r.Stats.PromptTokens, r.Stats.OutputTokens,
		r.Stats.Eval.Seconds(), r.Metrics.TTFB.Milliseconds(),
		r.Metrics.Total.Seconds(), conn)
}

func (m chatModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	wrapWidth := m.width - 2
	if wrapWidth < 20 {
		wrapWidth = 20
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("parley "+version) + "  " + modeStyle.Render(m.modeLine) + "\n")

	// Transcript area: everything between the title and the composer.
	reserved := 5 // title, composer, status, device, help
	area := m.height - reserved
	if area < 3 {
		area = 3
	}
	rows := m.transcriptRows(wrapWidth)
	if len(rows) > area {
		rows = rows[len(rows)-area:]
	}
	for _, row := range rows {
		b.WriteString(row + "\n")
	}
	for i := len(rows); i < area; i++ {
		b.WriteString("\n")
	}

	b.WriteString(m.composerView() + "\n")
	b.WriteString(m.statusView() + "\n")
	b.WriteString(dimStyle.Render(m.deviceLine) + "\n")
	b.WriteString(helpView())
	return b.String()
}

// transcriptRows renders the chat history plus any in-flight reply as
// wrapped, styled terminal rows.
func (m chatModel) transcriptRows(width int) []string {
	var rows []string
	for _, line := range m.lines {
		rows = append(rows, renderLine(line, width)...)
	}
	if m.streaming {
		partial := m.partial
		if partial == "" {
			partial = "..."
		}
		rows = append(rows, renderLine(chatLine{role: "assistant", text: partial + "▌"}, width)...)
	}
	return rows
}

func renderLine(line chatLine, width int) []string {
	var tag string
	var style lipgloss.Style
	switch line.role {
	case "user":
		tag = userStyle.Render("you ")
		style = botStyle
	case "assistant":
		tag = botTagStyle.Render("mdl ")
		style = botStyle
	default:
		tag = noteStyle.Render("  * ")
		style = noteStyle
	}

	wrapped := wrapText(line.text, width-4)
	rows := make([]string, 0, len(wrapped)+1)
	for i, w := range wrapped {
		if i == 0 {
			rows = append(rows, tag+style.Render(w))
		} else {
			rows = append(rows, "    "+style.Render(w))
		}
	}
	rows = append(rows, "")
	return rows
}

func (m chatModel) composerView() string {
	snap := m.machine.Snapshot()
	switch {
	case m.capturing:
		dur := time.Since(m.captureStart).Seconds()
		head := recStyle.Render(fmt.Sprintf("● %4.1fs ", dur)) + renderMeter(m.level) + " "
		var body string
		if snap.DisplayText == composer.Placeholder {
			body = dimStyle.Render(snap.DisplayText)
		} else {
			body = botStyle.Render(snap.DisplayText)
		}
		tail := ""
		if m.silenceWarn {
			tail = warnStyle.Render("  speak up or capture will stop")
		} else if dur > 1.0 && m.peak < 0.02 {
			tail = warnStyle.Render("  no voice detected")
		}
		return head + body + tail

	case snap.ShowSend:
		return sendStyle.Render("➤ ") + botStyle.Render(snap.DisplayText) +
			sendStyle.Render("  [enter] send")

	case snap.DisplayText != "":
		// Capture has ended; the transcript is settling before the
		// send gate opens.
		dots := strings.Repeat(".", 1+m.frame/4%3)
		return dimStyle.Render("  " + snap.DisplayText + " " + dots)

	default:
		return dimStyle.Render("  press [tab] and speak")
	}
}

func (m chatModel) statusView() string {
	switch {
	case m.status != "" && m.statusErr:
		return errStyle.Render(m.status)
	case m.status != "":
		return warnStyle.Render(m.status)
	case m.lastStats != "":
		return dimStyle.Render(m.lastStats)
	default:
		return ""
	}
}

func helpView() string {
	parts := []struct{ key, what string }{
		{"tab", "talk"},
		{"enter", "send"},
		{"y", "copy reply"},
		{"d", "digest"},
		{"q", "quit"},
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(helpStyle.Render("  "))
		}
		b.WriteString(helpKeyStyle.Render("[" + p.key + "]"))
		b.WriteString(helpStyle.Render(" " + p.what))
	}
	return b.String()
}

func renderMeter(level float64) string {
	const width = 12
	n := int(level * 3 * width)
	if n > width {
		n = width
	}
	if n < 0 {
		n = 0
	}
	return meterOnSty.Render(strings.Repeat("█", n)) +
		meterOffSty.Render(strings.Repeat("░", width-n))
}

func wrapText(text string, width int) []string {
	if text == "" {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	runes := []rune(text)
	for len(runes) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(runes[:splitAt]))
		rest := runes[splitAt:]
		for len(rest) > 0 && rest[0] == ' ' {
			rest = rest[1:]
		}
		runes = rest
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}
