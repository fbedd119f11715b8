package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const defaultTemperature = 0.3

// Chain runs a completion against the primary model and retries once on the
// fallback when the primary fails for any reason. All AI features share one
// chain so the degradation policy lives in a single place.
type Chain struct {
	caller      ChatCaller
	primary     string
	fallback    string
	temperature float64
}

func NewChain(caller ChatCaller, primary, fallback string) *Chain {
	return &Chain{
		caller:      caller,
		primary:     primary,
		fallback:    fallback,
		temperature: defaultTemperature,
	}
}

// Complete returns the completion text and the model that produced it.
func (c *Chain) Complete(ctx context.Context, messages []Message) (string, string, error) {
	text, primaryErr := c.caller.Chat(ctx, c.primary, messages, c.temperature)
	if primaryErr == nil {
		return text, c.primary, nil
	}
	if c.fallback == "" || c.fallback == c.primary {
		return "", c.primary, primaryErr
	}

	log.Printf(`{"msg":"ai primary model failed, falling back","primary":%q,"fallback":%q,"error":%q}`,
		c.primary, c.fallback, primaryErr.Error())

	text, err := c.caller.Chat(ctx, c.fallback, messages, c.temperature)
	if err != nil {
		return "", c.fallback, fmt.Errorf("fallback model %s: %v (primary %s: %w)", c.fallback, err, c.primary, primaryErr)
	}
	return text, c.fallback, nil
}

// StripFences removes markdown code fences the models wrap JSON payloads in.
func StripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
