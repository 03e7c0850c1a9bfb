package transcriber

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"parley/encoder"
	"parley/log"
)

// apiResult is one provider upload's outcome.
type apiResult struct {
	Text         string
	RateLimit    string
	NoSpeechProb float64
	Metrics      *NetworkMetrics
}

type uploadFunc func(flacData []byte) (*apiResult, error)

// batchSession FLAC-encodes audio as it arrives and uploads the whole
// capture in one request at Close. There are no live updates; the
// channel stays open until Close so consumers cannot mistake batch mode
// for a dead stream.
type batchSession struct {
	upload     uploadFunc
	encoder    encoder.Encoder
	updates    chan string
	blockChan  chan []int16
	encodeDone chan struct{}
	encodeDur  time.Duration
	sampleBuf  []int16
	bufMu      sync.Mutex
}

func newBatchSession(cfg SessionConfig, upload uploadFunc) (*batchSession, error) {
	if cfg.SampleRate != 0 && cfg.SampleRate != encoder.SampleRate {
		return nil, fmt.Errorf("batch transcription requires %d Hz audio, got %d", encoder.SampleRate, cfg.SampleRate)
	}

	enc, err := encoder.NewFlac()
	if err != nil {
		return nil, err
	}

	bs := &batchSession{
		upload:     upload,
		encoder:    enc,
		updates:    make(chan string),
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
	}

	// Encode concurrently with capture so Close only has the tail left
	go func() {
		defer close(bs.encodeDone)
		for block := range bs.blockChan {
			start := time.Now()
			bs.encoder.EncodeBlock(block)
			bs.encodeDur += time.Since(start)
		}
	}()

	return bs, nil
}

func (bs *batchSession) Feed(pcm []byte) {
	bs.bufMu.Lock()
	bs.sampleBuf = append(bs.sampleBuf, encoder.SamplesFromPCM(pcm)...)
	var blocks [][]int16
	for len(bs.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, bs.sampleBuf[:encoder.BlockSize])
		bs.sampleBuf = bs.sampleBuf[encoder.BlockSize:]
		blocks = append(blocks, block)
	}
	bs.bufMu.Unlock()

	for _, block := range blocks {
		bs.blockChan <- block
	}
}

func (bs *batchSession) Updates() <-chan string {
	return bs.updates
}

func (bs *batchSession) Close() (Result, error) {
	// Flush remaining samples
	bs.bufMu.Lock()
	if len(bs.sampleBuf) > 0 {
		partial := make([]int16, len(bs.sampleBuf))
		copy(partial, bs.sampleBuf)
		bs.sampleBuf = nil
		bs.blockChan <- partial
	}
	bs.bufMu.Unlock()

	close(bs.blockChan)
	<-bs.encodeDone
	close(bs.updates)

	if err := bs.encoder.Close(); err != nil {
		return Result{}, err
	}

	// Nothing was ever fed; an empty upload would only earn a 400
	if bs.encoder.TotalFrames() == 0 {
		return Result{NoSpeech: true}, nil
	}

	flacData := bs.encoder.Bytes()
	rawBytes := bs.encoder.TotalFrames() * 2
	audioDur := float64(bs.encoder.TotalFrames()) / float64(encoder.SampleRate)

	result, err := bs.upload(flacData)
	if err != nil {
		return Result{}, err
	}

	metrics := result.Metrics
	if metrics == nil {
		metrics = &NetworkMetrics{}
	}
	log.Transcription(log.BatchMetrics{
		AudioS:       audioDur,
		RawKB:        float64(rawBytes) / 1024,
		FlacKB:       float64(len(flacData)) / 1024,
		EncodeMs:     float64(bs.encodeDur.Milliseconds()),
		UploadMs:     float64(metrics.ReqBody.Milliseconds()),
		TTFBMs:       float64(metrics.TTFB.Milliseconds()),
		TotalMs:      float64(metrics.Total.Milliseconds()),
		ConnReused:   metrics.ConnReused,
		NoSpeechProb: result.NoSpeechProb,
	})

	text := strings.TrimSpace(result.Text)
	return Result{
		Text:     text,
		HasText:  text != "",
		NoSpeech: text == "",
	}, nil
}
