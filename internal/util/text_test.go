package util

import "testing"

func TestSanitizePostgresText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain utf8",
			input: "Julius Caesar",
			want:  "Julius Caesar",
		},
		{
			name:  "contains null byte",
			input: "Cae\x00sar",
			want:  "Caesar",
		},
		{
			name:  "contains invalid utf8",
			input: string([]byte{'a', 0xff, 'b'}),
			want:  "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizePostgresText(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected sanitized value: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFoldDiacritics(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Vercingétorix", "Vercingetorix"},
		{"Łukasz", "Łukasz"},
		{"Müller", "Muller"},
		{"François Villon", "Francois Villon"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := FoldDiacritics(tt.input); got != tt.want {
				t.Fatalf("FoldDiacritics(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("  Gaius   Julius\tCÆSAR "); got != "gaius julius cæsar" {
		t.Fatalf("unexpected normalized name %q", got)
	}
	if got := NormalizeName("Cléopâtre"); got != "cleopatre" {
		t.Fatalf("unexpected normalized name %q", got)
	}
}
