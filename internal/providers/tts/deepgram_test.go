package tts

import (
	"context"
	"testing"
	"time"
)

func TestDeepgramFactory_DefaultsModelWhenUnset(t *testing.T) {
	p, err := DeepgramFactory(map[string]any{"api_key": "k"})
	if err != nil {
		t.Fatalf("DeepgramFactory: %v", err)
	}
	d, ok := p.(*DeepgramClient)
	if !ok {
		t.Fatalf("expected *DeepgramClient, got %T", p)
	}
	if d.model != "aura-2-thalia-en" {
		t.Fatalf("expected teacher default model, got %q", d.model)
	}
}

func TestDeepgramFactory_HonorsExplicitModel(t *testing.T) {
	p, _ := DeepgramFactory(map[string]any{"api_key": "k", "model": "aura-2-luna-en"})
	d := p.(*DeepgramClient)
	if d.model != "aura-2-luna-en" {
		t.Fatalf("expected configured model to override the default, got %q", d.model)
	}
}

func TestDeepgramClient_Format(t *testing.T) {
	d := NewDeepgram("k", "")
	codec, rate := d.Format()
	if codec != "pcm16" || rate != 48000 {
		t.Fatalf("expected pcm16/48000, got %s/%d", codec, rate)
	}
}

func TestDeepgramClient_Synthesize_MissingAPIKeyFailsFast(t *testing.T) {
	d := NewDeepgram("", "")
	audio, errs := d.Synthesize(context.Background(), "hello", "")
	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected a non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an immediate error for a missing api key")
	}
	if _, ok := <-audio; ok {
		t.Fatalf("expected no audio chunks when the api key is missing")
	}
}

func TestDeepgramClient_Synthesize_EmptyTextIsNoop(t *testing.T) {
	d := NewDeepgram("k", "")
	audio, errs := d.Synthesize(context.Background(), "", "")
	if _, ok := <-audio; ok {
		t.Fatalf("expected no audio chunks for empty text")
	}
	if err, ok := <-errs; ok && err != nil {
		t.Fatalf("expected no error for empty text, got %v", err)
	}
}
