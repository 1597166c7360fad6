// Package compose turns a contact and its research into an outreach message,
// either through the Anthropic API or the playbook's fallback template.
package compose

import (
	"strings"
	"unicode/utf8"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/playbook"
)

// Input is everything generation needs about one lead.
type Input struct {
	Contact  model.Contact
	Research *model.ResearchResult
}

func (in Input) data(pb *playbook.Playbook) playbook.Data {
	return pb.Data(in.Contact, in.Research)
}

// hooks are the research details a message can reference.
func (in Input) hooks() []string {
	if in.Research == nil {
		return nil
	}
	f := in.Research.Findings
	out := make([]string, 0, len(f.KeyInsights)+len(f.RecentNews)+len(f.PainPoints))
	out = append(out, f.KeyInsights...)
	out = append(out, f.RecentNews...)
	return append(out, f.PainPoints...)
}

// Personalization scores how many personal details text mentions, in [0,1].
func Personalization(s playbook.Scoring, text string, in Input) float64 {
	lower := strings.ToLower(text)
	has := func(needle string) bool {
		needle = strings.ToLower(strings.TrimSpace(needle))
		return needle != "" && strings.Contains(lower, needle)
	}

	var score float64
	if has(in.Contact.Company) {
		score += s.Weights.CompanyName
	}
	if has(in.Contact.DisplayName()) {
		score += s.Weights.LeadName
	}
	for _, h := range in.hooks() {
		if has(h) {
			score += s.Weights.ConversationHook
			break
		}
	}
	if has(in.Contact.Title) {
		score += s.Weights.Title
	}
	for _, w := range s.TimingWords {
		if has(w) {
			score += s.Weights.TimingWord
			break
		}
	}
	return clamp(score, 0, 1)
}

// LengthScore is 1 inside the optimal range and falls off proportionally
// outside it.
func LengthScore(s playbook.Scoring, text string) float64 {
	n := utf8.RuneCountInString(text)
	switch {
	case n == 0:
		return 0
	case n < s.OptimalMin:
		return float64(n) / float64(s.OptimalMin)
	case s.OptimalMax > 0 && n > s.OptimalMax:
		return float64(s.OptimalMax) / float64(n)
	default:
		return 1
	}
}

// PredictResponseRate estimates the reply probability of text.
func PredictResponseRate(s playbook.Scoring, text string, personalization float64) float64 {
	rate := s.BaseRate + personalization*s.PersonalizationBoost
	if n := utf8.RuneCountInString(text); n >= s.OptimalMin && n <= s.OptimalMax {
		rate += s.LengthBoost
	}
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		rate += s.QuestionBoost
	}
	return clamp(rate, 0, s.MaxPredicted)
}

// Score computes all quality scores. relevance comes from the model and is
// clamped.
func Score(s playbook.Scoring, text string, in Input, relevance float64) model.QualityScores {
	p := Personalization(s, text, in)
	return model.QualityScores{
		Personalization:       p,
		Relevance:             clamp(relevance, 0, 1),
		Length:                LengthScore(s, text),
		PredictedResponseRate: PredictResponseRate(s, text, p),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
