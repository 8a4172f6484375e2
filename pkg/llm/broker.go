// Package llm brokers schema-constrained completions for the agent.
//
// The broker wraps the provider SDK and returns Result values instead of
// raw errors: 4xx responses become provider_client_error (fatal for the
// current tick), 5xx and timeouts become provider_server_error
// (retryable, feeds the replan policy), and well-formed responses that
// fail to deserialize become provider_bad_output. Completions are never
// provider-side stored or streamed; streaming to the user happens at the
// event layer, not here.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/convolab/triage/pkg/config"
	"github.com/convolab/triage/pkg/models"
)

// Request is one completion request. Sampling nil means provider defaults.
type Request struct {
	System   string
	User     string
	Sampling *Sampling
}

// Broker issues completions against one provider credential.
type Broker struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewBroker builds a broker for the given credential. Each run carries
// its own key, so brokers are cheap per-run values around a shared
// HTTP transport.
func NewBroker(cfg config.LLMConfig, apiKey string) *Broker {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Broker{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

// PlanCompletion requests a sampling plan constrained by PlanningSchema.
func (b *Broker) PlanCompletion(ctx context.Context, req Request) Result[models.PlanProposal] {
	return completeJSON[models.PlanProposal](ctx, b, req, "classification_plan", PlanningSchema)
}

// ClassificationCompletion requests per-conversation verdicts constrained
// by ClassificationSchema.
func (b *Broker) ClassificationCompletion(ctx context.Context, req Request) Result[models.ClassificationEnvelope] {
	return completeJSON[models.ClassificationEnvelope](ctx, b, req, "classification_outputs", ClassificationSchema)
}

// TextCompletion requests a free-text completion (used for summaries and
// the retrieval loop's search decisions).
func (b *Broker) TextCompletion(ctx context.Context, req Request) Result[string] {
	content, err := b.complete(ctx, req, nil, "")
	if err != nil {
		return classifyError[string](err)
	}
	return Ok(content)
}

// completeJSON issues a schema-constrained completion and deserializes
// the response into T.
func completeJSON[T any](ctx context.Context, b *Broker, req Request, schemaName string, schema map[string]any) Result[T] {
	content, err := b.complete(ctx, req, schema, schemaName)
	if err != nil {
		return classifyError[T](err)
	}

	var data T
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return Fail[T](FailureBadOutput, "model returned unparseable %s payload: %v", schemaName, err)
	}
	return Ok(data)
}

func (b *Broker) complete(ctx context.Context, req Request, schema map[string]any, schemaName string) (string, error) {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Store: openai.Bool(false),
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Strict: openai.Bool(true),
					Schema: schema,
				},
			},
		}
	}
	if s := req.Sampling; s != nil {
		params.Temperature = openai.Float(s.Temperature)
		params.TopP = openai.Float(s.TopP)
		params.FrequencyPenalty = openai.Float(s.FrequencyPenalty)
		params.PresencePenalty = openai.Float(s.PresencePenalty)
	}

	resp, err := b.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyError maps a provider error to the failure taxonomy.
func classifyError[T any](err error) Result[T] {
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail[T](FailureServerError, "model call timed out: %v", err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return Fail[T](FailureClientError, "provider rejected request (%d): %v", apiErr.StatusCode, err)
		}
		return Fail[T](FailureServerError, "provider error (%d): %v", apiErr.StatusCode, err)
	}

	// Transport-level failures (connection refused, DNS) are retryable.
	return Fail[T](FailureServerError, "provider unreachable: %v", err)
}
