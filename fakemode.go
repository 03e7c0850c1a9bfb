package main

import (
	"time"

	"parley/audio"
	"parley/beep"
	"parley/encoder"
	"parley/llm"
	"parley/transcriber"
	"parley/voice"
)

// fakeDeps wires the end-to-end demo: a synthesized microphone, a
// scripted recognizer and a canned model. No hardware, keys or network.
func fakeDeps(lang string) (deps, error) {
	beep.Disable()

	tone := audio.SpeechTone(encoder.SampleRate, 30*time.Second)
	actx := audio.NewFakeContext(tone, encoder.SampleRate, true)

	tr := transcriber.NewFake("could you tell me a short story", nil)
	tr.Script = []string{
		"could",
		"could you tell",
		"could you tell me a",
		"could you tell me a short story",
	}
	tr.Interval = 500 * time.Millisecond

	gen := llm.NewFake(
		"Here is a short one: a lighthouse keeper taught a stray gull to fetch his dropped keys, and neither of them ever mentioned it to anyone.",
		"Gladly. The gull later organized the harbor cats into a night watch, but that is a longer story for another time.",
	)
	gen.Interval = 30 * time.Millisecond

	src, err := voice.New(voice.Config{
		Context:     actx,
		Transcriber: tr,
		SampleRate:  encoder.SampleRate,
		Language:    lang,
	})
	if err != nil {
		return deps{}, err
	}

	return deps{
		ctx:        actx,
		src:        src,
		gen:        gen,
		sttName:    tr.Name(),
		modeLine:   "[fake model | stt: fake]",
		deviceLine: "mic: fake",
	}, nil
}
