// Package playbook holds the versioned prompts, templates and scoring
// thresholds that drive research and message generation. A playbook is
// loaded once at startup and is never persisted with lead data.
package playbook

import (
	"bytes"
	"os"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Playbook is the full generation configuration.
type Playbook struct {
	Version  string   `yaml:"version"`
	Sender   Sender   `yaml:"sender"`
	Research Prompt   `yaml:"research"`
	Message  Message  `yaml:"message"`
	Fallback Fallback `yaml:"fallback"`
	Scoring  Scoring  `yaml:"scoring"`

	researchSystem *template.Template
	researchUser   *template.Template
	messageSystem  *template.Template
	messageUser    *template.Template
	fallback       *template.Template
}

// Sender describes who the outreach is from.
type Sender struct {
	Name      string `yaml:"name"`
	Company   string `yaml:"company"`
	ValueProp string `yaml:"value_prop"`
}

// Prompt is a system/user prompt pair.
type Prompt struct {
	System        string `yaml:"system"`
	User          string `yaml:"user"`
	RecencyFilter string `yaml:"recency_filter"`
}

// Message configures generation.
type Message struct {
	Prompt      `yaml:",inline"`
	MaxLength   int     `yaml:"max_length"`
	Temperature float64 `yaml:"temperature"`
}

// Fallback is the deterministic template used when generation fails and
// fallback is enabled.
type Fallback struct {
	Template              string  `yaml:"template"`
	Personalization       float64 `yaml:"personalization"`
	PredictedResponseRate float64 `yaml:"predicted_response_rate"`
}

// Weights score which personal details a message mentions.
type Weights struct {
	CompanyName      float64 `yaml:"company_name"`
	LeadName         float64 `yaml:"lead_name"`
	ConversationHook float64 `yaml:"conversation_hook"`
	Title            float64 `yaml:"title"`
	TimingWord       float64 `yaml:"timing_word"`
}

// Scoring holds the response-rate heuristics.
type Scoring struct {
	Weights              Weights  `yaml:"weights"`
	TimingWords          []string `yaml:"timing_words"`
	BaseRate             float64  `yaml:"base_rate"`
	PersonalizationBoost float64  `yaml:"personalization_boost"`
	OptimalMin           int      `yaml:"optimal_min"`
	OptimalMax           int      `yaml:"optimal_max"`
	LengthBoost          float64  `yaml:"length_boost"`
	QuestionBoost        float64  `yaml:"question_boost"`
	MaxPredicted         float64  `yaml:"max_predicted"`
}

// Data is what every template renders against.
type Data struct {
	Contact  model.Contact
	Research *model.ResearchResult
	Sender   Sender
}

// FirstName is the contact's greeting name in title case.
func (d Data) FirstName() string {
	return titleCase(d.Contact.DisplayName())
}

const defaultResearchSystem = `You are a B2B sales researcher. Only report facts you can source. ` +
	`Respond with a single JSON object with the keys "summary", "key_insights", ` +
	`"pain_points", "recent_news" and "sources". Use empty arrays when nothing is known.`

const defaultResearchUser = `Research {{.Contact.Company}}{{with .Contact.Website}} ({{.}}){{end}}` +
	`{{with .Contact.Industry}}, a company in {{.}}{{end}}, and {{.Contact.Name}}` +
	`{{with .Contact.Title}}, {{.}}{{end}}. Focus on recent developments and ` +
	`problems {{.Sender.ValueProp}} could help with.`

const defaultMessageSystem = `You write short, specific WhatsApp outreach messages on behalf of ` +
	`{{.Sender.Name}} at {{.Sender.Company}}. Use only details present in the research. ` +
	`Start with "Hi {{.FirstName}}!", mention one concrete detail, and end with a question. ` +
	`Respond with a JSON object: {"message": "...", "relevance": 0.0-1.0}.`

const defaultMessageUser = `Lead: {{.Contact.Name}}{{with .Contact.Title}}, {{.}}{{end}} at {{.Contact.Company}}.
{{with .Research}}Summary: {{.Findings.Summary}}
{{with .Findings.KeyInsights}}Insights: {{join . "; "}}
{{end}}{{with .Findings.PainPoints}}Pain points: {{join . "; "}}
{{end}}{{with .Findings.RecentNews}}Recent news: {{join . "; "}}
{{end}}{{end}}Value proposition: {{.Sender.ValueProp}}.`

const defaultFallback = `Hi {{.FirstName}}! I'd love to connect with you about ` +
	`{{.Sender.ValueProp}} opportunities for {{.Contact.Company}}. ` +
	`Would you be open to a brief conversation?`

// Default returns the built-in playbook.
func Default() *Playbook {
	p := defaults()
	if err := p.compile(); err != nil {
		panic(eris.Wrap(err, "playbook: built-in playbook is invalid"))
	}
	return p
}

func defaults() *Playbook {
	return &Playbook{
		Version: "builtin-1",
		Sender: Sender{
			Name:      "The team",
			Company:   "our company",
			ValueProp: "growth",
		},
		Research: Prompt{
			System:        defaultResearchSystem,
			User:          defaultResearchUser,
			RecencyFilter: "month",
		},
		Message: Message{
			Prompt:      Prompt{System: defaultMessageSystem, User: defaultMessageUser},
			MaxLength:   1000,
			Temperature: 0.7,
		},
		Fallback: Fallback{
			Template:              defaultFallback,
			Personalization:       0.3,
			PredictedResponseRate: 0.15,
		},
		Scoring: Scoring{
			Weights: Weights{
				CompanyName:      0.2,
				LeadName:         0.2,
				ConversationHook: 0.3,
				Title:            0.15,
				TimingWord:       0.15,
			},
			TimingWords:          []string{"recent", "now", "currently", "just", "today", "this week"},
			BaseRate:             0.15,
			PersonalizationBoost: 0.3,
			OptimalMin:           50,
			OptimalMax:           150,
			LengthBoost:          0.1,
			QuestionBoost:        0.1,
			MaxPredicted:         0.8,
		},
	}
}

// Load reads a playbook file. An empty path yields the built-in default.
func Load(path string) (*Playbook, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "playbook: read %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "playbook: %s", path)
	}
	return p, nil
}

// Parse decodes YAML over the built-in defaults, so a file only needs the
// keys it changes.
func Parse(data []byte) (*Playbook, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, eris.New("playbook: document is empty")
	}
	p := defaults()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, eris.Wrap(err, "playbook: decode")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Playbook) validate() error {
	switch {
	case strings.TrimSpace(p.Version) == "":
		return eris.New("playbook: version is required")
	case p.Message.MaxLength <= 0:
		return eris.New("playbook: message.max_length must be positive")
	case strings.TrimSpace(p.Fallback.Template) == "":
		return eris.New("playbook: fallback.template is required")
	case p.Scoring.OptimalMin > p.Scoring.OptimalMax:
		return eris.New("playbook: scoring.optimal_min exceeds optimal_max")
	}
	for name, v := range map[string]float64{
		"fallback.personalization":         p.Fallback.Personalization,
		"fallback.predicted_response_rate": p.Fallback.PredictedResponseRate,
		"scoring.max_predicted":            p.Scoring.MaxPredicted,
	} {
		if v < 0 || v > 1 {
			return eris.Errorf("playbook: %s must be within [0,1], got %v", name, v)
		}
	}
	return nil
}

var funcs = template.FuncMap{
	"title": titleCase,
	"join":  strings.Join,
	"lower": strings.ToLower,
}

func (p *Playbook) compile() error {
	parse := func(name, text string) (*template.Template, error) {
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, eris.Wrapf(err, "playbook: parse %s template", name)
		}
		return t, nil
	}
	var err error
	if p.researchSystem, err = parse("research.system", p.Research.System); err != nil {
		return err
	}
	if p.researchUser, err = parse("research.user", p.Research.User); err != nil {
		return err
	}
	if p.messageSystem, err = parse("message.system", p.Message.System); err != nil {
		return err
	}
	if p.messageUser, err = parse("message.user", p.Message.User); err != nil {
		return err
	}
	if p.fallback, err = parse("fallback", p.Fallback.Template); err != nil {
		return err
	}
	return nil
}

// Data builds template data for a contact.
func (p *Playbook) Data(c model.Contact, research *model.ResearchResult) Data {
	return Data{Contact: c, Research: research, Sender: p.Sender}
}

// ResearchPrompt renders the research system and user prompts.
func (p *Playbook) ResearchPrompt(d Data) (system, user string, err error) {
	if system, err = execute(p.researchSystem, d); err != nil {
		return "", "", err
	}
	user, err = execute(p.researchUser, d)
	return system, user, err
}

// MessagePrompt renders the generation system and user prompts.
func (p *Playbook) MessagePrompt(d Data) (system, user string, err error) {
	if system, err = execute(p.messageSystem, d); err != nil {
		return "", "", err
	}
	user, err = execute(p.messageUser, d)
	return system, user, err
}

// FallbackText renders the fallback message.
func (p *Playbook) FallbackText(d Data) (string, error) {
	return execute(p.fallback, d)
}

func execute(t *template.Template, d Data) (string, error) {
	if t == nil {
		return "", eris.New("playbook: not compiled, use Load or Parse")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", eris.Wrapf(err, "playbook: render %s", t.Name())
	}
	return strings.TrimSpace(buf.String()), nil
}

// Casers are stateful, so each call gets its own.
func titleCase(s string) string {
	return cases.Title(language.English).String(strings.ToLower(strings.TrimSpace(s)))
}
