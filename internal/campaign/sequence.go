// Package campaign runs the outreach lifecycle for provisioned stores: a
// three-step email sequence driven by persisted wake times, with claim
// webhooks cutting the sequence short. Claim is sticky; once a campaign is
// claimed or abandoned no further sends happen.
package campaign

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// StepCount is the number of outreach steps in a sequence.
const StepCount = 3

// SequenceStep configures one outreach email.
type SequenceStep struct {
	// TemplateID is the transactional template sent for this step.
	TemplateID int64 `yaml:"template_id"`

	// Subject overrides the template subject when set.
	Subject string `yaml:"subject"`

	// Offset is how long after this step's send the next action fires:
	// the next step's send, or abandonment after the final step.
	Offset time.Duration `yaml:"offset"`
}

// Sequence is the full outreach configuration.
type Sequence struct {
	Steps []SequenceStep `yaml:"steps"`

	// ClaimTemplateID is the confirmation email sent when a store is
	// claimed.
	ClaimTemplateID int64 `yaml:"claim_template_id"`

	// RetryDelay is the wake delay applied when a step send fails and the
	// campaign parks in the pending state.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// UnmarshalYAML decodes offsets written as duration strings ("72h").
func (s *SequenceStep) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TemplateID int64  `yaml:"template_id"`
		Subject    string `yaml:"subject"`
		Offset     string `yaml:"offset"`
	}
	if err := value.Decode(&raw); err != nil {
		return eris.Wrap(err, "campaign: decode sequence step")
	}
	s.TemplateID = raw.TemplateID
	s.Subject = raw.Subject
	if raw.Offset != "" {
		d, err := time.ParseDuration(raw.Offset)
		if err != nil {
			return eris.Wrapf(err, "campaign: parse offset %q", raw.Offset)
		}
		s.Offset = d
	}
	return nil
}

// UnmarshalYAML decodes the retry delay written as a duration string.
func (s *Sequence) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Steps           []SequenceStep `yaml:"steps"`
		ClaimTemplateID int64          `yaml:"claim_template_id"`
		RetryDelay      string         `yaml:"retry_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return eris.Wrap(err, "campaign: decode sequence")
	}
	s.Steps = raw.Steps
	s.ClaimTemplateID = raw.ClaimTemplateID
	if raw.RetryDelay != "" {
		d, err := time.ParseDuration(raw.RetryDelay)
		if err != nil {
			return eris.Wrapf(err, "campaign: parse retry delay %q", raw.RetryDelay)
		}
		s.RetryDelay = d
	}
	return nil
}

// DefaultSequence returns the stock three-step cadence: intro, +3d
// reminder, +7d reminder, abandon +7d after the last send.
func DefaultSequence() Sequence {
	return Sequence{
		Steps: []SequenceStep{
			{TemplateID: 1, Subject: "Your store is live", Offset: 72 * time.Hour},
			{TemplateID: 2, Subject: "Still waiting for you", Offset: 168 * time.Hour},
			{TemplateID: 3, Subject: "Last chance to claim", Offset: 168 * time.Hour},
		},
		ClaimTemplateID: 4,
		RetryDelay:      15 * time.Minute,
	}
}

// LoadSequence reads a sequence definition from a yaml file.
func LoadSequence(path string) (Sequence, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Sequence{}, eris.Wrapf(err, "campaign: read sequence file %s", path)
	}
	var seq Sequence
	if err := yaml.Unmarshal(raw, &seq); err != nil {
		return Sequence{}, eris.Wrapf(err, "campaign: parse sequence file %s", path)
	}
	if seq.RetryDelay <= 0 {
		seq.RetryDelay = 15 * time.Minute
	}
	if err := seq.Validate(); err != nil {
		return Sequence{}, err
	}
	return seq, nil
}

// Validate checks the sequence is complete.
func (s Sequence) Validate() error {
	if len(s.Steps) != StepCount {
		return eris.Errorf("campaign: sequence needs exactly %d steps, got %d", StepCount, len(s.Steps))
	}
	for i, step := range s.Steps {
		if step.TemplateID == 0 {
			return eris.Errorf("campaign: step %d has no template id", i)
		}
		if step.Offset <= 0 {
			return eris.Errorf("campaign: step %d has no offset", i)
		}
	}
	if s.ClaimTemplateID == 0 {
		return eris.New("campaign: no claim template id")
	}
	return nil
}
