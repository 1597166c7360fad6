package compose

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/playbook"
)

// Fallback renders the playbook's fallback template. Its scores are fixed by
// the playbook rather than computed.
type Fallback struct {
	pb  *playbook.Playbook
	now func() time.Time
}

// NewFallback creates a fallback renderer.
func NewFallback(pb *playbook.Playbook) *Fallback {
	return &Fallback{pb: pb, now: time.Now}
}

// Render produces the fallback message for in.
func (f *Fallback) Render(in Input) (*model.MessageResult, error) {
	if in.Contact.Company == "" && in.Contact.DisplayName() == "" {
		return nil, eris.New("compose: fallback needs a name or company")
	}
	text, err := f.pb.FallbackText(in.data(f.pb))
	if err != nil {
		return nil, eris.Wrap(err, "compose: render fallback")
	}
	return &model.MessageResult{
		Text: text,
		Quality: model.QualityScores{
			Personalization:       f.pb.Fallback.Personalization,
			Length:                LengthScore(f.pb.Scoring, text),
			PredictedResponseRate: f.pb.Fallback.PredictedResponseRate,
		},
		Fallback:    true,
		Model:       "template:" + f.pb.Version,
		GeneratedAt: f.now().UTC(),
	}, nil
}
