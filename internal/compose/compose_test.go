package compose

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/playbook"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*anthropic.MessageResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:         "msg_1",
		Model:      "claude-sonnet-4-5-20250929",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 900, OutputTokens: 60},
	}
}

func testInput() Input {
	return Input{
		Contact: model.Contact{
			ID:      "00Q1",
			Name:    "Dana Reyes",
			Title:   "Owner",
			Company: "Acme Plumbing",
			Mobile:  "+15550100",
		},
		Research: &model.ResearchResult{
			ConfidenceScore: 0.75,
			Findings: model.ResearchFindings{
				Summary:    "Family-owned plumber in Austin",
				RecentNews: []string{"second location"},
			},
		},
	}
}

func TestAnthropic_Generate(t *testing.T) {
	mc := new(mockClient)
	out := `{"message":"Hi Dana! Congrats on the second location for Acme Plumbing. Are you hiring dispatchers now?","relevance":0.9}`
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			len(req.System) == 1 &&
			strings.Contains(req.Messages[0].Content, "Recent news: second location")
	})).Return(textResponse(out), nil)

	gen := NewAnthropic(mc, playbook.Default(), WithModel("claude-haiku-4-5-20251001"))
	msg, err := gen.Generate(context.Background(), testInput())
	require.NoError(t, err)
	mc.AssertExpectations(t)

	assert.True(t, strings.HasPrefix(msg.Text, "Hi Dana!"))
	assert.False(t, msg.Fallback)
	assert.Equal(t, 0.9, msg.Quality.Relevance)
	// company + name + hook + timing word
	assert.InDelta(t, 0.85, msg.Quality.Personalization, 1e-9)
	// 0.15 base + 0.85*0.3 + 0.1 length + 0.1 question
	assert.InDelta(t, 0.605, msg.Quality.PredictedResponseRate, 1e-9)
	assert.Equal(t, 1.0, msg.Quality.Length)

	var ext map[string]any
	require.NoError(t, json.Unmarshal(msg.Extensions, &ext))
	assert.Equal(t, "msg_1", ext["response_id"])
	assert.Equal(t, "builtin-1", ext["playbook_version"])
}

func TestAnthropic_Generate_PlainTextAndFences(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "Hi Dana, quick question?", "Hi Dana, quick question?"},
		{"quoted", `"Hi Dana, quick question?"`, "Hi Dana, quick question?"},
		{"fenced json", "```json\n{\"message\": \"Hi Dana?\"}\n```", "Hi Dana?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := new(mockClient)
			mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(tt.raw), nil)

			msg, err := NewAnthropic(mc, playbook.Default()).Generate(context.Background(), testInput())
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Text)
			assert.Equal(t, 0.5, msg.Quality.Relevance)
		})
	}
}

func TestAnthropic_Generate_TooLong(t *testing.T) {
	pb, err := playbook.Parse([]byte("message: {max_length: 20}"))
	require.NoError(t, err)

	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"message":"Hi Dana, this message is far too long to send."}`), nil)

	_, err = NewAnthropic(mc, pb).Generate(context.Background(), testInput())
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "limit 20")
}

func TestAnthropic_Generate_EmptyIsTransient(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"message":""}`), nil)

	_, err := NewAnthropic(mc, playbook.Default()).Generate(context.Background(), testInput())
	assert.True(t, resilience.IsTransient(err))
}

func TestAnthropic_Generate_ClientErrorPassesThrough(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	_, err := NewAnthropic(mc, playbook.Default()).Generate(context.Background(), testInput())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, resilience.KindTransient, resilience.Classify(err))
}

func TestFallback_Render(t *testing.T) {
	pb := playbook.Default()
	pb.Sender.ValueProp = "dispatch software"

	msg, err := NewFallback(pb).Render(testInput())
	require.NoError(t, err)
	assert.Equal(t, "Hi Dana! I'd love to connect with you about dispatch software opportunities "+
		"for Acme Plumbing. Would you be open to a brief conversation?", msg.Text)
	assert.True(t, msg.Fallback)
	assert.Equal(t, 0.3, msg.Quality.Personalization)
	assert.Equal(t, 0.15, msg.Quality.PredictedResponseRate)
	assert.Equal(t, "template:builtin-1", msg.Model)
	assert.False(t, msg.GeneratedAt.IsZero())
}

func TestFallback_RenderNeedsIdentity(t *testing.T) {
	_, err := NewFallback(playbook.Default()).Render(Input{})
	assert.Error(t, err)
}

func TestPersonalization(t *testing.T) {
	s := playbook.Default().Scoring
	in := testInput()

	assert.Zero(t, Personalization(s, "Hello there", in))
	assert.InDelta(t, 0.2, Personalization(s, "About ACME PLUMBING", in), 1e-9)
	assert.InDelta(t, 0.35, Personalization(s, "Dana, as owner", in), 1e-9)
	// Timing words count once.
	assert.InDelta(t, 0.15, Personalization(s, "just now, today", in), 1e-9)
}

func TestLengthScore(t *testing.T) {
	s := playbook.Default().Scoring
	assert.Zero(t, LengthScore(s, ""))
	assert.InDelta(t, 0.5, LengthScore(s, strings.Repeat("a", 25)), 1e-9)
	assert.Equal(t, 1.0, LengthScore(s, strings.Repeat("a", 100)))
	assert.InDelta(t, 0.5, LengthScore(s, strings.Repeat("a", 300)), 1e-9)
}

func TestPredictResponseRate_Capped(t *testing.T) {
	s := playbook.Default().Scoring
	s.BaseRate = 0.7
	assert.Equal(t, 0.8, PredictResponseRate(s, strings.Repeat("a", 99)+"?", 1))
	assert.InDelta(t, 0.15, PredictResponseRate(playbook.Default().Scoring, "short", 0), 1e-9)
}
