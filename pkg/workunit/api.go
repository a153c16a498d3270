package workunit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
)

// Default models for the plan-only providers.
const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultOpenAIModel    = "gpt-4.1"
	defaultMaxOutput      = 8192
)

const planPreamble = "You cannot modify files. Produce a concrete implementation plan for the issue below, " +
	"listing the files to change and the changes to make.\n\n"

// APIConfig configures an API-backed work unit.
type APIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	// MaxRetries is the SDK's own retry count; the recovery manager retries above it.
	MaxRetries int
}

// AnthropicUnit answers the prompt with a plan through the Messages API.
type AnthropicUnit struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *logx.Logger
}

// NewAnthropicUnit creates an Anthropic-backed plan-only work unit.
func NewAnthropicUnit(cfg APIConfig) *AnthropicUnit {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutput
	}
	return &AnthropicUnit{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		logger:    logx.NewLogger("anthropic"),
	}
}

func (u *AnthropicUnit) Name() string { return "anthropic" }

func (u *AnthropicUnit) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withDeadline(ctx, req)
	defer cancel()

	start := time.Now()
	resp, err := u.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     u.model,
		MaxTokens: u.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(planPreamble + req.Prompt)),
		},
	})
	if err != nil {
		if cerr := contextError(ctx, "anthropic request"); cerr != nil {
			return Result{}, cerr
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Result{}, apiError(apiErr.StatusCode, err)
		}
		return Result{}, errclass.Wrap(err, errclass.TransientNetwork, "anthropic request")
	}

	var sb strings.Builder
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return Result{}, errclass.New(errclass.WorkUnitFailure, "empty response from %s", u.Name())
	}
	u.logger.ForJob(req.JobID, logx.LevelInfo, "Plan received from %s (%d chars)", u.model, len(text))
	return Result{
		Success:          true,
		Output:           text,
		Summary:          summarize(text, 200),
		Duration:         time.Since(start),
		Provider:         u.Name(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// OpenAIUnit answers the prompt with a plan through the Responses API.
type OpenAIUnit struct {
	client    openai.Client
	model     string
	maxTokens int64
	logger    *logx.Logger
}

// NewOpenAIUnit creates an OpenAI-backed plan-only work unit.
func NewOpenAIUnit(cfg APIConfig) *OpenAIUnit {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(cfg.APIKey),
		openaioption.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutput
	}
	return &OpenAIUnit{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    logx.NewLogger("openai"),
	}
}

func (u *OpenAIUnit) Name() string { return "openai" }

func (u *OpenAIUnit) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withDeadline(ctx, req)
	defer cancel()

	start := time.Now()
	resp, err := u.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           u.model,
		MaxOutputTokens: openai.Int(u.maxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(planPreamble + req.Prompt)},
	})
	if err != nil {
		if cerr := contextError(ctx, "openai request"); cerr != nil {
			return Result{}, cerr
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Result{}, apiError(apiErr.StatusCode, err)
		}
		return Result{}, errclass.Wrap(err, errclass.TransientNetwork, "openai request")
	}
	if resp == nil {
		return Result{}, errclass.New(errclass.WorkUnitFailure, "empty response from openai")
	}

	text := resp.OutputText()
	if strings.TrimSpace(text) == "" {
		return Result{}, errclass.New(errclass.WorkUnitFailure, "empty response from %s", u.Name())
	}
	u.logger.ForJob(req.JobID, logx.LevelInfo, "Plan received from %s (%d chars)", u.model, len(text))
	return Result{
		Success:          true,
		Output:           text,
		Summary:          summarize(text, 200),
		Duration:         time.Since(start),
		Provider:         u.Name(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// apiError attaches the HTTP status so the classifier can categorize it.
func apiError(status int, err error) error {
	return &errclass.Error{Category: errclass.Unknown, StatusCode: status, Err: err, Message: fmt.Sprintf("provider returned %d", status)}
}
