package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{" true ", true},
		{"false", false},
		{"1", false},
		{"yes", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formBool(tt.in), "%q", tt.in)
	}
}

func TestNormalizeSudoList(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		developer string
		want      string
	}{
		{
			name:      "formatted entries reduced to digits",
			raw:       "+1 (555) 000-2222, 15550003333",
			developer: "",
			want:      "15550002222,15550003333",
		},
		{
			name:      "developer number appended",
			raw:       "15550002222",
			developer: "15550009999",
			want:      "15550002222,15550009999",
		},
		{
			name:      "developer number not duplicated",
			raw:       "15550009999,15550002222",
			developer: "15550009999",
			want:      "15550009999,15550002222",
		},
		{
			name:      "duplicates and blanks dropped",
			raw:       "15550002222,,15550002222,  ",
			developer: "",
			want:      "15550002222",
		},
		{
			name:      "empty input with developer",
			raw:       "",
			developer: "15550009999",
			want:      "15550009999",
		},
		{
			name:      "all empty",
			raw:       "",
			developer: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeSudoList(tt.raw, tt.developer))
		})
	}
}
