package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

type Groq struct {
	baseTranscriber
	apiKey string
	apiURL string
	client *TracedClient
}

func NewGroq(apiKey string) *Groq {
	apiURL := "https://api.groq.com/openai/v1/audio/transcriptions"
	return &Groq{
		apiKey: apiKey,
		apiURL: apiURL,
		client: NewTracedClient(apiURL),
	}
}

func (g *Groq) Name() string { return "groq" }

func (g *Groq) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	go g.client.Warm()
	if cfg.Language != "" {
		g.SetLanguage(cfg.Language)
	}
	return newBatchSession(cfg, g.upload)
}

type groqResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (g *Groq) upload(flacData []byte) (*apiResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.flac")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(flacData); err != nil {
		return nil, err
	}

	writer.WriteField("model", "whisper-large-v3-turbo")
	writer.WriteField("response_format", "verbose_json")
	if g.lang != "" {
		writer.WriteField("language", g.lang)
	}
	writer.Close()

	req, err := http.NewRequest("POST", g.apiURL, &body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("groq", resp.StatusCode, resp.Body)
	}

	var gResp groqResponse
	if err := json.Unmarshal(resp.Body, &gResp); err != nil {
		return nil, fmt.Errorf("groq response parse error: %w", err)
	}

	// Whisper invents polite filler on silence; the per-segment
	// no-speech probability is the tell.
	var noSpeechProb float64
	for _, seg := range gResp.Segments {
		if seg.NoSpeechProb > noSpeechProb {
			noSpeechProb = seg.NoSpeechProb
		}
	}

	remaining := firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")

	return &apiResult{
		Text:         gResp.Text,
		RateLimit:    remaining + "/" + limit,
		NoSpeechProb: noSpeechProb,
		Metrics:      resp.Metrics,
	}, nil
}
