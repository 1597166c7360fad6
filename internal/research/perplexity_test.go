package research

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/playbook"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/perplexity"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*perplexity.ChatCompletionResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func reply(content string, citations ...string) *perplexity.ChatCompletionResponse {
	return &perplexity.ChatCompletionResponse{
		ID:        "cmpl-1",
		Model:     "sonar-pro",
		Choices:   []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: content}}},
		Citations: citations,
		Usage:     perplexity.Usage{PromptTokens: 300, CompletionTokens: 120},
	}
}

func contact() model.Contact {
	return model.Contact{ID: "00Q1", Name: "Dana Reyes", Title: "Owner", Company: "Acme Plumbing"}
}

func TestPerplexity_Research(t *testing.T) {
	mc := new(mockClient)
	content := "```json\n" + `{
  "summary": "Family-owned plumber in Austin",
  "key_insights": ["Opened a second location"],
  "pain_points": ["No recent pain points found"],
  "recent_news": ["Won a city contract", " "],
  "sources": ["https://acme.example/news"]
}` + "\n```"
	mc.On("ChatCompletion", mock.Anything, mock.MatchedBy(func(req perplexity.ChatCompletionRequest) bool {
		return len(req.Messages) == 2 &&
			req.Messages[0].Role == "system" &&
			req.SearchRecencyFilter == "month"
	})).Return(reply(content, "https://acme.example/news", "https://news.example/acme"), nil)

	res, err := NewPerplexity(mc, playbook.Default(), "").Research(context.Background(), contact())
	require.NoError(t, err)
	mc.AssertExpectations(t)

	assert.Equal(t, Provider, res.Provider)
	assert.Equal(t, "Family-owned plumber in Austin", res.Findings.Summary)
	assert.Equal(t, []string{"Won a city contract"}, res.Findings.RecentNews)
	assert.Empty(t, res.Findings.PainPoints)
	assert.Equal(t, []string{"https://acme.example/news", "https://news.example/acme"}, res.Findings.Sources)
	// news + insights + summary + sources
	assert.InDelta(t, 0.8, res.ConfidenceScore, 1e-9)
	assert.False(t, res.CompletedAt.IsZero())

	var ext map[string]any
	require.NoError(t, json.Unmarshal(res.Extensions, &ext))
	assert.Equal(t, "sonar-pro", ext["model"])
	assert.Nil(t, ext["unstructured"])
}

func TestPerplexity_Research_Unstructured(t *testing.T) {
	mc := new(mockClient)
	mc.On("ChatCompletion", mock.Anything, mock.Anything).
		Return(reply("Acme Plumbing is a family-owned plumber."), nil)

	res, err := NewPerplexity(mc, playbook.Default(), "sonar").Research(context.Background(), contact())
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing is a family-owned plumber.", res.Findings.Summary)
	assert.InDelta(t, weightSummary, res.ConfidenceScore, 1e-9)
}

func TestPerplexity_Research_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind resilience.Kind
	}{
		{"rate limited", &perplexity.APIError{StatusCode: http.StatusTooManyRequests}, resilience.KindTransient},
		{"bad key", &perplexity.APIError{StatusCode: http.StatusUnauthorized}, resilience.KindAuth},
		{"bad request", &perplexity.APIError{StatusCode: http.StatusBadRequest}, resilience.KindPermanent},
		{"deadline", context.DeadlineExceeded, resilience.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := new(mockClient)
			mc.On("ChatCompletion", mock.Anything, mock.Anything).Return(nil, tt.err)

			_, err := NewPerplexity(mc, playbook.Default(), "").Research(context.Background(), contact())
			require.Error(t, err)
			assert.Equal(t, tt.kind, resilience.Classify(err))
		})
	}
}

func TestPerplexity_Research_EmptyResponse(t *testing.T) {
	mc := new(mockClient)
	mc.On("ChatCompletion", mock.Anything, mock.Anything).Return(reply("  "), nil)

	_, err := NewPerplexity(mc, playbook.Default(), "").Research(context.Background(), contact())
	assert.True(t, resilience.IsTransient(err))
}

func TestPerplexity_Research_RejectsAnonymousContact(t *testing.T) {
	mc := new(mockClient)
	_, err := NewPerplexity(mc, playbook.Default(), "").Research(context.Background(), model.Contact{ID: "x"})
	assert.True(t, resilience.IsValidation(err))
	mc.AssertNotCalled(t, "ChatCompletion", mock.Anything, mock.Anything)
}

func TestConfidence(t *testing.T) {
	assert.Zero(t, Confidence(model.ResearchFindings{}))
	full := model.ResearchFindings{
		Summary:     "s",
		KeyInsights: []string{"i"},
		PainPoints:  []string{"p"},
		RecentNews:  []string{"n"},
		Sources:     []string{"u"},
	}
	assert.InDelta(t, 1.0, Confidence(full), 1e-9)
}
