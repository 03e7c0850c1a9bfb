package transcriber

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Deepgram streams PCM over a websocket and revises the transcript
// while audio is still arriving. It is the only provider with live
// updates.
type Deepgram struct {
	baseTranscriber
	apiKey string
	client *http.Client
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{
		apiKey: apiKey,
		// Plain HTTP/1 transport; the websocket upgrade cannot ride an
		// HTTP/2 connection.
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

// Warm opens DNS and TLS ahead of the first dial so the websocket
// upgrade can reuse the pooled connection.
func (d *Deepgram) Warm() {
	req, err := http.NewRequest(http.MethodHead, "https://api.deepgram.com", nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func (d *Deepgram) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language != "" {
		d.SetLanguage(cfg.Language)
	}
	return newStreamSession(cfg.SampleRate, func() (rawStream, error) {
		return d.dial(ctx, cfg)
	}), nil
}
