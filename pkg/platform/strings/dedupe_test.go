package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := map[string]struct {
		input []string
		want  []string
	}{
		"nil stays nil":         {input: nil, want: nil},
		"empty stays empty":     {input: []string{}, want: []string{}},
		"scopes are trimmed":    {input: []string{" openid", "profile ", "email"}, want: []string{"openid", "profile", "email"}},
		"first occurrence wins": {input: []string{"email", "openid", "email"}, want: []string{"email", "openid"}},
		"blanks are dropped":    {input: []string{"openid", "", "   "}, want: []string{"openid"}},
		"case is significant":   {input: []string{"ROLE_admin", "ROLE_ADMIN"}, want: []string{"ROLE_admin", "ROLE_ADMIN"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	tests := map[string]struct {
		input []string
		want  []string
	}{
		"nil stays nil":           {input: nil, want: nil},
		"hosts are lowercased":    {input: []string{" API.Example.com "}, want: []string{"api.example.com"}},
		"case-insensitive dedupe": {input: []string{"idp.local:9000", "IDP.local:9000", ""}, want: []string{"idp.local:9000"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupeAndTrimLower(tt.input))
		})
	}
}
