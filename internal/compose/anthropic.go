package compose

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/playbook"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Anthropic generates messages with Claude.
type Anthropic struct {
	client    anthropic.Client
	pb        *playbook.Playbook
	model     string
	maxTokens int64
	now       func() time.Time
}

// AnthropicOption configures an Anthropic generator.
type AnthropicOption func(*Anthropic)

// WithModel overrides the model id.
func WithModel(m string) AnthropicOption {
	return func(a *Anthropic) {
		if m != "" {
			a.model = m
		}
	}
}

// WithMaxTokens overrides the response token budget.
func WithMaxTokens(n int64) AnthropicOption {
	return func(a *Anthropic) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// NewAnthropic creates a generator over client driven by pb.
func NewAnthropic(client anthropic.Client, pb *playbook.Playbook, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		client:    client,
		pb:        pb,
		model:     DefaultModel,
		maxTokens: 1024,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type generated struct {
	Message   string   `json:"message"`
	Relevance *float64 `json:"relevance"`
}

type anthropicExtensions struct {
	ResponseID       string  `json:"response_id,omitempty"`
	PlaybookVersion  string  `json:"playbook_version"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Generate writes one message for in. Over-long output is a permanent
// failure; it is never truncated.
func (a *Anthropic) Generate(ctx context.Context, in Input) (*model.MessageResult, error) {
	system, user, err := a.pb.MessagePrompt(in.data(a.pb))
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "compose: render prompt"), 0)
	}

	temp := a.pb.Message.Temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.SystemBlock{{Text: system}},
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classify(err)
	}
	resp.Usage.LogCost(resp.Model, in.Contact.ID)

	text, relevance := parseGenerated(resp.Text())
	if text == "" {
		// Empty output is usually a one-off; let the local retry have another go.
		return nil, resilience.NewTransientError(eris.New("compose: model returned an empty message"), 0)
	}
	if n := utf8.RuneCountInString(text); n > a.pb.Message.MaxLength {
		return nil, resilience.NewPermanentError(
			eris.Errorf("compose: message is %d characters, limit %d", n, a.pb.Message.MaxLength), 0)
	}
	if resp.StopReason == "max_tokens" {
		zap.L().Warn("compose: response hit max_tokens", zap.String("lead_id", in.Contact.ID))
	}

	ext, err := json.Marshal(anthropicExtensions{
		ResponseID:       resp.ID,
		PlaybookVersion:  a.pb.Version,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		EstimatedCostUSD: resp.Usage.EstimateCost(resp.Model),
	})
	if err != nil {
		return nil, eris.Wrap(err, "compose: encode extensions")
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = a.model
	}
	return &model.MessageResult{
		Text:        text,
		Quality:     Score(a.pb.Scoring, text, in, relevance),
		Model:       modelID,
		GeneratedAt: a.now().UTC(),
		Extensions:  ext,
	}, nil
}

// classify maps an API error onto the failure taxonomy. Errors without a
// status (network, deadline) keep their type and are classified downstream.
func classify(err error) error {
	if status := anthropic.StatusCode(err); status > 0 {
		return resilience.FromHTTPStatus(status, err)
	}
	return err
}

// parseGenerated accepts the JSON shape the prompt asks for, and plain text
// when the model ignores it. Relevance defaults to 0.5 when absent.
func parseGenerated(raw string) (string, float64) {
	body := stripFences(raw)
	var g generated
	if strings.HasPrefix(body, "{") && json.Unmarshal([]byte(body), &g) == nil {
		rel := 0.5
		if g.Relevance != nil {
			rel = *g.Relevance
		}
		return strings.TrimSpace(g.Message), rel
	}
	return strings.Trim(strings.TrimSpace(raw), `"`), 0.5
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
