// Package mockengine provides a reference orchestrator.Engine
// implementation. Hosting a real model-serving backend (llama.cpp,
// vLLM, or similar) is out of scope here; this engine echoes
// deterministic, structurally valid responses that exercise the full
// streaming/checkpoint/result pipeline end to end.
package mockengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/meshcompute/host-node/pkg/orchestrator"
)

// Engine is a deterministic stand-in for a real inference backend.
type Engine struct {
	ChunkWords int
}

// New constructs an Engine that splits a synthetic completion into
// chunkWords-word streaming chunks (minimum 1).
func New(chunkWords int) *Engine {
	if chunkWords < 1 {
		chunkWords = 1
	}
	return &Engine{ChunkWords: chunkWords}
}

// GenerateStream emits a canned completion derived from the prompt,
// split into word-group chunks, terminated by a "stop" finish reason.
func (e *Engine) GenerateStream(ctx context.Context, prompt string, history []string) (<-chan orchestrator.TokenChunk, error) {
	words := strings.Fields(fmt.Sprintf("echo: %s", prompt))
	ch := make(chan orchestrator.TokenChunk, len(words)/e.ChunkWords+1)

	go func() {
		defer close(ch)
		for i := 0; i < len(words); i += e.ChunkWords {
			end := i + e.ChunkWords
			if end > len(words) {
				end = len(words)
			}
			text := strings.Join(words[i:end], " ") + " "
			finish := ""
			if end == len(words) {
				finish = "stop"
			}
			select {
			case ch <- orchestrator.TokenChunk{Text: text, FinishReason: finish}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Embed returns a deterministic low-dimensional embedding derived from
// a SHA-256 digest of text, scaled into [-1, 1].
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 16)
	for i := range vec {
		vec[i] = (float32(sum[i]) - 127.5) / 127.5
	}
	return vec, nil
}

// GenerateImage returns a placeholder PNG-shaped byte string derived
// from the prompt's hash; no real image is produced.
func (e *Engine) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	sum := sha256.Sum256([]byte(prompt))
	return []byte("PNGPLACEHOLDER:" + hex.EncodeToString(sum[:])), nil
}

// OCR returns a placeholder string derived from the image's SHA-256;
// no real OCR is performed.
func (e *Engine) OCR(ctx context.Context, image []byte) (string, error) {
	sum := sha256.Sum256(image)
	return "ocr:" + hex.EncodeToString(sum[:8]), nil
}

// DescribeImage returns a placeholder description derived from the
// image's SHA-256.
func (e *Engine) DescribeImage(ctx context.Context, image []byte) (string, error) {
	sum := sha256.Sum256(image)
	return "description of image " + hex.EncodeToString(sum[:8]), nil
}
