package insight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"
)

// OpenAIGenerator asks each configured model in turn until one returns a
// valid idea at or above the confidence threshold.
type OpenAIGenerator struct {
	client        openai.Client
	models        []string
	minConfidence int
	timeout       time.Duration
	logger        zerolog.Logger
}

const defaultTimeout = 30 * time.Second

func NewOpenAIGenerator(apiKey, baseURL string, models []string, minConfidence int, timeout time.Duration, logger zerolog.Logger) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("insight API key is required")
	}
	if len(models) == 0 {
		return nil, errors.New("at least one insight model is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIGenerator{
		client:        openai.NewClient(opts...),
		models:        models,
		minConfidence: minConfidence,
		timeout:       timeout,
		logger:        logger.With().Str("component", "insight").Logger(),
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, mc MarketContext) (*Insight, error) {
	prompt := buildPrompt(mc, g.minConfidence)

	var lastErr error
	var best *Insight
	for _, model := range g.models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in, err := g.ask(ctx, model, prompt)
		if err != nil {
			g.logger.Warn().Err(err).Str("model", model).Str("index", mc.Index).Msg("Insight request failed, rotating model")
			lastErr = err
			continue
		}
		if in.Confidence >= g.minConfidence {
			return in, nil
		}

		g.logger.Info().Str("model", model).Int("confidence", in.Confidence).Int("threshold", g.minConfidence).
			Msg("Insight below confidence threshold, rotating model")
		if best == nil || in.Confidence > best.Confidence {
			best = in
		}
	}

	if best != nil {
		return best, fmt.Errorf("%w: best %d from %s", ErrLowConfidence, best.Confidence, best.Model)
	}
	return nil, fmt.Errorf("all %d insight models failed: %w", len(g.models), lastErr)
}

func (g *OpenAIGenerator) ask(ctx context.Context, model, prompt string) (*Insight, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion with %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", ErrInvalidResponse, model)
	}

	in, err := Parse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	in.Model = model
	return in, nil
}
