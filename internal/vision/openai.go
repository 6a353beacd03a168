package vision

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/SebastianBehrens/receipt-processor/internal/archive"
	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
)

// Prompt is the instruction sent along with every receipt image.
const Prompt = `Extract all purchased items and their prices from this receipt. ` +
	`If a discount applies to an item, subtract it from that item's price instead of listing it separately. ` +
	`Return only a JSON array of objects with the keys "item" and "price", for example ` +
	`[{"item": "Milk", "price": "1.95"}]. Do not add any explanatory text.`

// OpenAI sends each receipt to a chat-completions model as an inline base64 image.
type OpenAI struct {
	client    *openai.Client
	hasKey    bool
	model     string
	maxTokens int
	logger    *log.Logger
}

// NewOpenAI builds a client from the vision settings in cfg. Any
// OpenAI-compatible server works when VisionBaseURL points at it.
func NewOpenAI(cfg *config.Config, logger *log.Logger) *OpenAI {
	if logger == nil {
		logger = log.Discard()
	}
	timeout := time.Duration(cfg.VisionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	clientCfg := openai.DefaultConfig(cfg.VisionAPIKey)
	if cfg.VisionBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.VisionBaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		hasKey:    cfg.VisionAPIKey != "",
		model:     cfg.VisionModel,
		maxTokens: cfg.VisionMaxTokens,
		logger:    logger.WithComponent(log.ComponentVision),
	}
}

// Extract implements Extractor.
func (o *OpenAI) Extract(ctx context.Context, imagePath string) (*Result, error) {
	if !o.hasKey {
		return nil, fmt.Errorf("no vision API key configured")
	}

	dataURL, err := encodeImage(imagePath)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: Prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		}},
	})
	if err != nil {
		var apiErr *openai.APIError
		if stderrors.As(err, &apiErr) {
			return nil, fmt.Errorf("vision service returned %d: %s", apiErr.HTTPStatusCode, truncate(apiErr.Message, 200))
		}
		return nil, fmt.Errorf("vision request failed: %w", err)
	}

	tokens := resp.Usage.TotalTokens
	cost := CostForTokens(tokens)
	o.logger.Debug("vision reply received",
		log.FieldFile, filepath.Base(imagePath),
		"tokens", tokens,
		log.FieldDuration, time.Since(start).Milliseconds(),
	)

	if len(resp.Choices) == 0 {
		return nil, &ParseError{Cost: cost, Tokens: tokens, Err: fmt.Errorf("reply has no choices")}
	}
	reply := resp.Choices[0].Message.Content
	items, err := ParseItems(reply)
	if err != nil {
		return nil, &ParseError{Cost: cost, Tokens: tokens, Reply: reply, Err: err}
	}
	return &Result{Items: items, Cost: cost, Tokens: tokens}, nil
}

// encodeImage reads an image and returns it as a data URL.
func encodeImage(imagePath string) (string, error) {
	f, err := archive.OpenImage(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	return "data:" + mediaType(imagePath) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func mediaType(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
