// Package tokens estimates token counts for delivered response text. Counts
// feed usage telemetry and the cost model; they never gate delivery.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with a lazily initialized BPE codec. When the codec
// cannot be loaded it falls back to a chars/4 heuristic so usage telemetry
// keeps flowing.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewEstimator returns an estimator using the o200k_base encoding.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the estimated token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			e.codec = codec
		}
	})
	if e.codec != nil {
		if ids, _, err := e.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return heuristicCount(text)
}

// heuristicCount approximates one token per four characters, minimum one.
func heuristicCount(text string) int {
	runes := utf8.RuneCountInString(text)
	count := runes / 4
	if count < 1 {
		count = 1
	}
	return count
}
