package instrumentation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUserDomain(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  string
	}{
		{"plain address", "jane@example.com", "example.com"},
		{"subdomain", "ops@mail.corp.example.org", "mail.corp.example.org"},
		{"empty string", "", "unknown"},
		{"no at sign", "not-an-email", "unknown"},
		{"trailing at", "user@", "unknown"},
		{"multiple at signs", "a@b@c", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractUserDomain(tt.email))
		})
	}
}
