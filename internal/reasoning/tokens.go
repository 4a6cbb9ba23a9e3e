package reasoning

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"
)

var (
	encOnce   sync.Once
	enc       atomic.Pointer[tiktoken.Tiktoken]
	encLoaded = make(chan struct{})
)

func init() {
	// BPE ranks ship with the binary; nothing is fetched at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

func startEncodingLoad() {
	encOnce.Do(func() {
		go func() {
			defer close(encLoaded)
			e, err := tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				log.Warn().Str("component", "reasoning").Err(err).Msg("tokenizer unavailable, using estimate")
				return
			}
			enc.Store(e)
		}()
	})
}

// WarmTokenizer loads the encoding and waits for it until ctx is done.
// It reports whether exact counting is available.
func WarmTokenizer(ctx context.Context) bool {
	startEncodingLoad()
	select {
	case <-encLoaded:
		return enc.Load() != nil
	case <-ctx.Done():
		log.Warn().Str("component", "reasoning").Err(ctx.Err()).Msg("tokenizer still loading, estimating meanwhile")
		return false
	}
}

// CountTokens counts cl100k tokens, or estimates while the encoding is
// not loaded. It never waits for the encoding.
func CountTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	startEncodingLoad()
	if e := enc.Load(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	estimate := int(float64(words)*1.35) + 1
	if estimate < 1 {
		return 1
	}
	return estimate
}

// TrimHistory keeps leading system messages and the newest other messages
// whose combined size fits budget. The last message is always kept.
func TrimHistory(msgs []Message, budget int) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	var system []Message
	rest := msgs
	for len(rest) > 0 && rest[0].Role == RoleSystem {
		system = append(system, rest[0])
		rest = rest[1:]
	}

	used := 0
	for _, m := range system {
		used += CountTokens(m.Content)
	}

	keepFrom := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := CountTokens(rest[i].Content)
		if used+cost > budget && i < len(rest)-1 {
			break
		}
		used += cost
		keepFrom = i
	}

	out := make([]Message, 0, len(system)+len(rest)-keepFrom)
	out = append(out, system...)
	out = append(out, rest[keepFrom:]...)
	return out
}
