package modkey

import "testing"

func TestValidLibName(t *testing.T) {
	cases := map[string]bool{
		"":                true,
		"libxul.so":       true,
		"xul.pdb":         true,
		"a_b+c-d.e":       true,
		"has space":       false,
		"has/slash":       false,
		"has@at":          false,
	}
	for name, want := range cases {
		if got := ValidLibName(name); got != want {
			t.Errorf("ValidLibName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNormalizeBreakpadIDBraced(t *testing.T) {
	braced := "{44E4D949-D6B0-4C53-A76D-08D8A2E1AE82}"
	unbraced := "44E4D949D6B04C53A76D08D8A2E1AE82"

	if got := NormalizeBreakpadID(braced); got != unbraced {
		t.Errorf("NormalizeBreakpadID(braced) = %q, want %q", got, unbraced)
	}
	if got := NormalizeBreakpadID(unbraced); got != unbraced {
		t.Errorf("NormalizeBreakpadID(unbraced) = %q, want %q", got, unbraced)
	}
	if got := NormalizeBreakpadID("44e4d949d6b04c53a76d08d8a2e1ae82"); got != unbraced {
		t.Errorf("lowercase unbraced should uppercase: got %q", got)
	}
}

func TestNormalizeLegacy(t *testing.T) {
	sig := "44E4D949D6B04C53A76D08D8A2E1AE82"
	got := NormalizeLegacy(sig, 0x2a)
	want := sig + "2a"
	if got != want {
		t.Errorf("NormalizeLegacy = %q, want %q", got, want)
	}
}
