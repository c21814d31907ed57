package scoring

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/types"
)

var scoreSchema = generateSchema[types.ScoreResult]()

// OpenAIClient scores calls with the Responses API and a strict JSON schema.
// Retries are left to the scheduler, so the SDK's own retries are disabled.
type OpenAIClient struct {
	client          *openai.Client
	model           string
	maxOutputTokens int64
}

// NewOpenAIClient builds a client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if model == "" {
		model = cost.DefaultModel
	}
	return &OpenAIClient{client: &client, model: model, maxOutputTokens: 1500}
}

// Score implements Client.
func (c *OpenAIClient) Score(ctx context.Context, transcript string, sc Context) (Response, error) {
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "QCIScore",
			Schema:      scoreSchema,
			Strict:      openai.Bool(true),
			Description: openai.String("QCI call score JSON"),
			Type:        "json_schema",
		},
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(c.maxOutputTokens),
		Instructions:    openai.String(Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(BuildPrompt(transcript, sc), responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, classifyAPIError(ctx, err)
	}

	usage := cost.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	result, err := ParseResult(resp.OutputText())
	if err != nil {
		return Response{Usage: usage}, err
	}
	return Response{Result: result, Usage: usage}, nil
}

func classifyAPIError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return NewError(kindForStatus(apiErr.StatusCode), err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return NewError(KindRateLimited, err)
	case strings.Contains(msg, "timeout"):
		return NewError(KindTimeout, err)
	}
	return NewError(KindTransient, err)
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code >= 500:
		return KindTransient
	case code >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}
