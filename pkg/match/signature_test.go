package match

import "testing"

func TestSignatureEquivalentSpellings(t *testing.T) {
	n := NewNormalizer(nil, nil)
	tests := []struct {
		name         string
		brand, title string
	}{
		{"plain", "Shure", "Shure SM7B"},
		{"hyphen", "", "Shure SM-7B"},
		{"space", "SHURE", "shure sm 7b"},
		{"noise words", "Shure", "Shure SM7B dynamische microfoon"},
		{"punctuation", "", "Shure - SM7B (vocal microphone)"},
	}
	want := n.Signature("Shure", "Shure SM7B", "").Key
	if want != "shure sm7b" {
		t.Fatalf("expected key %q, got %q", "shure sm7b", want)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Signature(tt.brand, tt.title, "").Key; got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		})
	}
}

func TestSignatureSynonyms(t *testing.T) {
	n := NewNormalizer(map[string]string{"at": "audiotechnica"}, nil)
	pairs := [][2]string{
		{"Røde NT1 5th Gen", "Rode NT1 5th generation"},
		{"Audio-Technica AT2020", "Audio Technica AT2020"},
		{"AT AT2020", "audio technica at2020"},
		{"Neumann U 87 Ai", "Neumann U87 Ai"},
		{"Electro-Voice RE20", "Electro Voice RE20"},
	}
	for _, p := range pairs {
		a := n.Signature("", p[0], "").Key
		b := n.Signature("", p[1], "").Key
		if a != b {
			t.Fatalf("expected %q and %q to share a key, got %q vs %q", p[0], p[1], a, b)
		}
	}
}

func TestSignatureEmpty(t *testing.T) {
	n := NewNormalizer(nil, nil)
	if sig := n.Signature("", "Microfoon -- de", ""); !sig.Empty() {
		t.Fatalf("expected empty signature, got %q", sig.Key)
	}
}

func TestSignatureDedupesBrandAndModel(t *testing.T) {
	n := NewNormalizer(nil, nil)
	sig := n.Signature("AKG", "AKG C214 condensatormicrofoon", "C214")
	if sig.Key != "akg c214" {
		t.Fatalf("expected %q, got %q", "akg c214", sig.Key)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b []string
		want float64
	}{
		{[]string{"shure", "sm7b"}, []string{"shure", "sm7b"}, 1},
		{[]string{"shure", "sm7b"}, []string{"shure", "sm58"}, 1.0 / 3},
		{[]string{"a", "b", "c", "d"}, []string{"a", "b", "c"}, 0.75},
		{nil, []string{"a"}, 0},
		{nil, nil, 0},
	}
	for _, tt := range tests {
		if got := Jaccard(tt.a, tt.b); got != tt.want {
			t.Fatalf("Jaccard(%v, %v): expected %v, got %v", tt.a, tt.b, tt.want, got)
		}
	}
}
