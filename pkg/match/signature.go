package match

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Signature is the normalized brand+model token set of a listing. Key is the
// sorted tokens joined by a space and is what the product table stores.
type Signature struct {
	Tokens []string
	Key    string
}

// Empty reports a listing that produced no usable tokens.
func (s Signature) Empty() bool {
	return len(s.Tokens) == 0
}

// DefaultSynonyms folds spellings shops use for the same brand or model
// token. Multi-word entries are applied as phrases before tokenizing.
var DefaultSynonyms = map[string]string{
	"audio technica":  "audiotechnica",
	"electro voice":   "electrovoice",
	"ev":              "electrovoice",
	"austrian audio":  "austrianaudio",
	"universal audio": "universalaudio",
	"warm audio":      "warmaudio",
	"t bone":          "tbone",
	"beyer dynamic":   "beyerdynamic",
	"beyer":           "beyerdynamic",
	"sennheisser":     "sennheiser",
	"gen":             "generation",
	"mk2":             "mkii",
	"mk 2":            "mkii",
	"mk ii":           "mkii",
	"mkll":            "mkii",
	"mk3":             "mkiii",
	"mk 3":            "mkiii",
}

// DefaultNoise are descriptive words that say nothing about which product
// a listing is.
var DefaultNoise = []string{
	"microfoon", "microfoons", "microphone", "microphones", "mikrofon", "microfono", "mic", "mics",
	"dynamische", "dynamisch", "dynamic", "condenser", "condensator", "condensatormicrofoon",
	"zangmicrofoon", "studiomicrofoon", "vocal", "zang",
	"the", "and", "with", "met", "de", "het", "een", "voor", "for", "en", "incl", "inclusief", "including",
}

var (
	joinRe     = regexp.MustCompile(`([\p{L}\p{N}])[-./]([\p{L}\p{N}])`)
	nonTokenRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	letters    = strings.NewReplacer("ø", "o", "æ", "ae", "ß", "ss", "ł", "l", "đ", "d")
)

// Normalizer turns brand, title and model text into a Signature.
type Normalizer struct {
	words   map[string]string
	phrases []phrase
	noise   map[string]bool
}

type phrase struct {
	from, to string
}

// NewNormalizer builds a normalizer from the default tables plus extras.
func NewNormalizer(extraSynonyms map[string]string, extraNoise []string) *Normalizer {
	n := &Normalizer{
		words: make(map[string]string),
		noise: make(map[string]bool),
	}
	add := func(from, to string) {
		from = fold(from)
		to = fold(to)
		if from == "" {
			return
		}
		if strings.Contains(from, " ") {
			n.phrases = append(n.phrases, phrase{from: " " + from + " ", to: " " + to + " "})
			return
		}
		n.words[from] = to
	}
	for from, to := range DefaultSynonyms {
		add(from, to)
	}
	for from, to := range extraSynonyms {
		add(from, to)
	}
	// Longest phrase first; ties by text so the order does not depend on map iteration.
	sort.Slice(n.phrases, func(i, j int) bool {
		if len(n.phrases[i].from) != len(n.phrases[j].from) {
			return len(n.phrases[i].from) > len(n.phrases[j].from)
		}
		return n.phrases[i].from < n.phrases[j].from
	})
	for _, w := range append(append([]string{}, DefaultNoise...), extraNoise...) {
		n.noise[fold(w)] = true
	}
	return n
}

// Signature computes the signature of a listing from its brand guess, title
// and model.
func (n *Normalizer) Signature(brand, title, model string) Signature {
	seen := make(map[string]bool)
	var tokens []string
	for _, part := range []string{brand, title, model} {
		for _, tok := range n.tokens(part) {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	sort.Strings(tokens)
	return Signature{Tokens: tokens, Key: strings.Join(tokens, " ")}
}

func (n *Normalizer) tokens(s string) []string {
	s = fold(s)
	if s == "" {
		return nil
	}
	s = joinRe.ReplaceAllString(s, "$1$2")
	// A second pass catches overlapping joins such as "a-b-c".
	s = joinRe.ReplaceAllString(s, "$1$2")
	s = " " + strings.TrimSpace(nonTokenRe.ReplaceAllString(s, " ")) + " "
	for _, p := range n.phrases {
		s = strings.ReplaceAll(s, p.from, p.to)
	}

	var out []string
	for _, f := range strings.Fields(s) {
		if to, ok := n.words[f]; ok {
			f = to
		}
		if n.noise[f] {
			continue
		}
		// "sm 7b" and "sm7b" are the same model number.
		if len(out) > 0 && startsWithDigit(f) && isShortAlpha(out[len(out)-1]) {
			out[len(out)-1] += f
			continue
		}
		out = append(out, f)
	}
	return out
}

// fold lowercases s and strips diacritics.
func fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = letters.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		return out
	}
	return s
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func isShortAlpha(s string) bool {
	if len(s) == 0 || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// Jaccard is the token-set similarity |a∩b| / |a∪b| of two sorted token lists.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var inter int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
