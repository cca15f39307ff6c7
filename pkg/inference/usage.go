package inference

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("could not load tokenizer, token estimates unavailable")
			return
		}
		codec = c
	})
	return codec
}

// CountTokens estimates the token count of text with the cl100k_base
// encoding. Providers tokenize differently, so this is an approximation
// used only when the stream reports no usage. Returns 0 when the
// tokenizer is unavailable.
func CountTokens(text string) int {
	c := getCodec()
	if c == nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		log.Warn().Err(err).Msg("token encoding failed")
		return 0
	}
	return len(ids)
}

// EstimateUsage fills in token counts for a completed call whose provider
// stream carried no usage block.
func EstimateUsage(req *Request, resp *Response) Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += CountTokens(m.Content)
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: CountTokens(resp.Text),
		ReasoningTokens:  CountTokens(resp.Reasoning),
	}
}
