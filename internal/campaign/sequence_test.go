package campaign

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSequence_IsValid(t *testing.T) {
	require.NoError(t, DefaultSequence().Validate())
}

func TestLoadSequence(t *testing.T) {
	raw := `steps:
  - template_id: 11
    subject: "Your store is ready"
    offset: 72h
  - template_id: 12
    subject: "Checking in"
    offset: 168h
  - template_id: 13
    subject: "Final reminder"
    offset: 168h
claim_template_id: 14
retry_delay: 30m
`
	path := filepath.Join(t.TempDir(), "sequence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	seq, err := LoadSequence(path)
	require.NoError(t, err)

	require.Len(t, seq.Steps, 3)
	assert.Equal(t, int64(11), seq.Steps[0].TemplateID)
	assert.Equal(t, 72*time.Hour, seq.Steps[0].Offset)
	assert.Equal(t, 168*time.Hour, seq.Steps[2].Offset)
	assert.Equal(t, int64(14), seq.ClaimTemplateID)
	assert.Equal(t, 30*time.Minute, seq.RetryDelay)
}

func TestLoadSequence_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{
			"too few steps",
			"steps:\n  - template_id: 1\n    offset: 72h\nclaim_template_id: 4\n",
		},
		{
			"missing template id",
			"steps:\n  - offset: 72h\n  - template_id: 2\n    offset: 168h\n  - template_id: 3\n    offset: 168h\nclaim_template_id: 4\n",
		},
		{
			"missing claim template",
			"steps:\n  - template_id: 1\n    offset: 72h\n  - template_id: 2\n    offset: 168h\n  - template_id: 3\n    offset: 168h\n",
		},
		{
			"bad offset",
			"steps:\n  - template_id: 1\n    offset: soon\n  - template_id: 2\n    offset: 168h\n  - template_id: 3\n    offset: 168h\nclaim_template_id: 4\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sequence.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.raw), 0o644))
			_, err := LoadSequence(path)
			require.Error(t, err)
		})
	}
}

func TestLoadSequence_MissingFile(t *testing.T) {
	_, err := LoadSequence(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
