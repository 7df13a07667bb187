package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicDetector(t *testing.T) {
	d, err := NewTopicDetector(nil)
	require.NoError(t, err)

	tests := []struct {
		question string
		want     []string
	}{
		{"Was regelt das BBiG zur Probezeit?", []string{"AEVO"}},
		{"Wie läuft die Ausbildung bei der IHK?", []string{"AEVO"}},
		{"Welche Pflichten hat ein Azubi laut Rahmenplan?", []string{"AEVO"}},
		{"Wie plane ich eine Unterweisung?", []string{}},
		{"Was ist Inflation?", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Detect(tt.question))
		})
	}
}

func TestTopicDetectorCustomTags(t *testing.T) {
	d, err := NewTopicDetector(map[string][]string{
		"VWL": {`!\binflation\b`, `\bzins\w*`},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"AEVO", "VWL"}, d.Detect("Inflation und Ausbildung bei der IHK"))
	assert.Equal(t, []string{"VWL"}, d.Detect("Was bedeutet Inflation?"))
}
