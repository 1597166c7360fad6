// Package research gathers public context about a lead before a message is
// written.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/playbook"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/perplexity"
)

// Provider is recorded on every result produced here.
const Provider = "perplexity"

// Confidence weights by finding. They sum to 1.
const (
	weightRecentNews  = 0.3
	weightInsights    = 0.2
	weightPainPoints  = 0.2
	weightSummary     = 0.15
	weightSourcesSeen = 0.15
)

// Perplexity researches leads with Perplexity's online models.
type Perplexity struct {
	client perplexity.Client
	pb     *playbook.Playbook
	model  string
	now    func() time.Time
}

// NewPerplexity creates a researcher. An empty model uses the client default.
func NewPerplexity(client perplexity.Client, pb *playbook.Playbook, model string) *Perplexity {
	return &Perplexity{client: client, pb: pb, model: model, now: time.Now}
}

type extensions struct {
	ResponseID       string   `json:"response_id,omitempty"`
	Model            string   `json:"model,omitempty"`
	Citations        []string `json:"citations,omitempty"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	Unstructured     bool     `json:"unstructured,omitempty"`
}

// Research runs one research query for c.
func (p *Perplexity) Research(ctx context.Context, c model.Contact) (*model.ResearchResult, error) {
	if strings.TrimSpace(c.Company) == "" && strings.TrimSpace(c.Name) == "" {
		return nil, resilience.NewValidationError(eris.New("research: contact has neither name nor company"))
	}

	system, user, err := p.pb.ResearchPrompt(p.pb.Data(c, nil))
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "research: render prompt"), 0)
	}

	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: p.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		SearchRecencyFilter: p.pb.Research.RecencyFilter,
	})
	if err != nil {
		var apiErr *perplexity.APIError
		if errors.As(err, &apiErr) {
			return nil, resilience.FromHTTPStatus(apiErr.StatusCode, err)
		}
		return nil, err
	}

	content := strings.TrimSpace(resp.Content())
	if content == "" {
		return nil, resilience.NewTransientError(eris.New("research: empty response"), 0)
	}

	findings, structured := parseFindings(content)
	findings.Sources = mergeSources(findings.Sources, resp.Citations)
	if !structured {
		zap.L().Debug("research: response was not JSON, keeping it as the summary",
			zap.String("lead_id", c.ID))
	}

	ext, err := json.Marshal(extensions{
		ResponseID:       resp.ID,
		Model:            resp.Model,
		Citations:        resp.Citations,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Unstructured:     !structured,
	})
	if err != nil {
		return nil, eris.Wrap(err, "research: encode extensions")
	}

	return &model.ResearchResult{
		Provider:        Provider,
		ConfidenceScore: Confidence(findings),
		Findings:        findings,
		CompletedAt:     p.now().UTC(),
		Extensions:      ext,
	}, nil
}

// Confidence scores findings by how many sections carry content.
func Confidence(f model.ResearchFindings) float64 {
	var score float64
	if len(nonEmpty(f.RecentNews)) > 0 {
		score += weightRecentNews
	}
	if len(nonEmpty(f.KeyInsights)) > 0 {
		score += weightInsights
	}
	if len(nonEmpty(f.PainPoints)) > 0 {
		score += weightPainPoints
	}
	if strings.TrimSpace(f.Summary) != "" {
		score += weightSummary
	}
	if len(nonEmpty(f.Sources)) > 0 {
		score += weightSourcesSeen
	}
	if score > 1 {
		return 1
	}
	return score
}

// parseFindings decodes the JSON object in content. When there is none the
// whole text becomes the summary.
func parseFindings(content string) (model.ResearchFindings, bool) {
	body := content
	if i, j := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); i >= 0 && j > i {
		body = body[i : j+1]
	}
	var f model.ResearchFindings
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return model.ResearchFindings{Summary: content}, false
	}
	f.KeyInsights = nonEmpty(f.KeyInsights)
	f.PainPoints = nonEmpty(f.PainPoints)
	f.RecentNews = nonEmpty(f.RecentNews)
	f.Sources = nonEmpty(f.Sources)
	return f, true
}

func mergeSources(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// nonEmpty drops blank entries and placeholder phrases models use for
// "nothing found".
func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		t := strings.TrimSpace(s)
		lower := strings.ToLower(t)
		if t == "" || (strings.HasPrefix(lower, "no ") && strings.Contains(lower, "found")) {
			continue
		}
		out = append(out, t)
	}
	return out
}
