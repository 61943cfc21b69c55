package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnlySkippablePaths(t *testing.T) {
	allow := DefaultSkipPaths

	tests := []struct {
		name    string
		changed []string
		want    bool
	}{
		{"readme only", []string{"README.md"}, true},
		{"docs tree", []string{"docs/guide.md", "docs/img/arch.png"}, true},
		{"markdown anywhere", []string{"internal/notes.md"}, true},
		{"license", []string{"LICENSE"}, true},
		{"mixed docs and code", []string{"README.md", "main.go"}, false},
		{"code only", []string{"server.go"}, false},
		{"docs prefix is not a substring match", []string{"docserver/main.go"}, false},
		{"empty diff means rebuild", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OnlySkippablePaths(tt.changed, allow))
		})
	}
}

func TestPathSkippableCustomPatterns(t *testing.T) {
	allow := []string{"assets/", "*.txt", "config/dev.yaml"}

	assert.True(t, pathSkippable("assets/logo.svg", allow))
	assert.True(t, pathSkippable("deep/nested/notes.txt", allow))
	assert.True(t, pathSkippable("config/dev.yaml", allow))
	assert.False(t, pathSkippable("config/prod.yaml", allow))
	assert.False(t, pathSkippable("assets.go", allow))
}
