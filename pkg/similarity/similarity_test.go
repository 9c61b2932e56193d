package similarity

import (
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTokenKeys(t *testing.T) {
	tests := []struct {
		in   string
		keys []phoneticKey
	}{
		{"Stephen King", []phoneticKey{{"STFN", "STFN"}, {"KNK", "KNK"}}},
		{"Steven", []phoneticKey{{"STFN", "STFN"}}},
		{"Caesar", []phoneticKey{{"SSR", "SSR"}}},
		{"Smith", []phoneticKey{{"SM0", "XMT"}}},
		{"Frédéric", []phoneticKey{{"FRTR", "FRTR"}}},
		{"  ", []phoneticKey{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := tokenKeys(tt.in)
			if len(got) != len(tt.keys) {
				t.Fatalf("tokenKeys(%q) = %v, want %v", tt.in, got, tt.keys)
			}
			for i := range got {
				if got[i] != tt.keys[i] {
					t.Fatalf("tokenKeys(%q)[%d] = %v, want %v", tt.in, i, got[i], tt.keys[i])
				}
			}
		})
	}
}

func TestTokenKeys_MaxLength(t *testing.T) {
	for _, k := range tokenKeys("Constantinople Tchaikovsky") {
		if len(k.primary) > 4 || len(k.alternate) > 4 {
			t.Fatalf("expected keys of at most 4 chars, got %v", k)
		}
	}
}

func TestLexical(t *testing.T) {
	if got := Lexical("", ""); got != 1 {
		t.Fatalf("expected 1 for empty names, got %v", got)
	}
	if got := Lexical("Caesar", "caesar"); got != 1 {
		t.Fatalf("expected case-insensitive match, got %v", got)
	}
	if got := Lexical("Stephen King", "Steven King"); !approx(got, 10.0/12.0) {
		t.Fatalf("expected 10/12, got %v", got)
	}
	if got := Lexical("abc", ""); got != 0 {
		t.Fatalf("expected 0 against empty, got %v", got)
	}
	if got := Lexical("Vercingétorix", "Vercingetorix"); got != 1 {
		t.Fatalf("expected diacritics to be folded, got %v", got)
	}
}

func TestPhonetic_EdgeCases(t *testing.T) {
	if got := Phonetic("", ""); got != 1 {
		t.Fatalf("expected 1 for both empty, got %v", got)
	}
	if got := Phonetic("Caesar", ""); got != 0 {
		t.Fatalf("expected 0 for one empty, got %v", got)
	}
	if got := Phonetic("Stephen King", "Steven King"); got != 1 {
		t.Fatalf("expected primary match, got %v", got)
	}
	if got := Phonetic("Smith", "Schmidt"); got != 0.5 && got != 1 {
		t.Fatalf("expected an alternate-key match for Smith/Schmidt, got %v", got)
	}
	if got := Phonetic("Napoleon", "Wellington"); got != 0 {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestPhonetic_Symmetry(t *testing.T) {
	names := []string{"Stephen", "Steven", "Stephanie", "Smith", "Schmidt", "Jose", "Julius Caesar", "Gaius Julius Caesar", "", "Xerxes", "Wojciech"}
	for _, a := range names {
		for _, b := range names {
			if Phonetic(a, b) != Phonetic(b, a) {
				t.Fatalf("phonetic(%q,%q)=%v but phonetic(%q,%q)=%v", a, b, Phonetic(a, b), b, a, Phonetic(b, a))
			}
		}
	}
}

func TestCombined_Monotonicity(t *testing.T) {
	near := Combined("Stephen", "Steven")
	far := Combined("Stephen", "Stephanie")
	if !(near > far) {
		t.Fatalf("expected combined(Stephen,Steven)=%v > combined(Stephen,Stephanie)=%v", near, far)
	}

	for _, x := range []string{"Stephen", "Julius Caesar", "Cléopâtre", "Q"} {
		if got := Combined(x, x); !approx(got, 1) {
			t.Fatalf("expected combined(%q,%q)=1, got %v", x, x, got)
		}
	}
}

func TestCompare_StephenKing(t *testing.T) {
	s := Compare("Stephen King", "Steven King")
	if !approx(s.Combined, 0.7*(10.0/12.0)+0.3) {
		t.Fatalf("unexpected combined score %v", s.Combined)
	}
	if s.Confidence != Medium {
		t.Fatalf("expected medium confidence, got %s", s.Confidence)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  Confidence
	}{
		{1, High},
		{0.9, High},
		{0.89, Medium},
		{0.7, Medium},
		{0.69, Low},
		{0, Low},
	}
	for _, tt := range tests {
		if got := Label(tt.score); got != tt.want {
			t.Fatalf("Label(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
