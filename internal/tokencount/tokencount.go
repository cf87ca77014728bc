// Package tokencount estimates token counts for request bodies. It prefers
// a real tokenizer and keeps a character-based heuristic as the fallback so
// token accounting never becomes a failure mode.
package tokencount

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
	"github.com/tidwall/gjson"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.WithError(err).Warn("tokenizer init failed, using character heuristic")
			return
		}
		codec = c
	})
	return codec
}

// EstimateText returns the token count of a text fragment.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	if c := getCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	// ~4 characters per token.
	return (len(text) + 3) / 4
}

// EstimateBody sums the token estimate over a request body's system prompt
// and message contents.
func EstimateBody(body []byte) int {
	total := 0

	sys := gjson.GetBytes(body, "system")
	switch {
	case sys.Type == gjson.String:
		total += EstimateText(sys.String())
	case sys.IsArray():
		for _, block := range sys.Array() {
			total += EstimateText(block.Get("text").String())
		}
	}

	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += EstimateText(content.String())
			continue
		}
		for _, block := range content.Array() {
			if t := block.Get("text").String(); t != "" {
				total += EstimateText(t)
			} else if c := block.Get("content").String(); c != "" {
				total += EstimateText(c)
			}
		}
	}
	return total
}
