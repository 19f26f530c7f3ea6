package source

import "strings"

// DefaultMicKeywords match microphone titles in the shops' languages.
var DefaultMicKeywords = []string{
	"microphone", "microfoon", "mikrofon", "microfono", "micrófono",
	"mic ", "condenser", "dynamic", "ribbon", "lavalier", "shotgun",
	"headset mic", "usb mic", "xlr",
}

// DefaultAccessoryKeywords exclude items that only mention a microphone.
var DefaultAccessoryKeywords = []string{
	"stand", "standaard", "statief", "stativ", "boom arm",
	"pop filter", "popfilter", "windscreen", "windshield", "foam",
	"cable", "kabel", "shock mount", "shockmount", "spider",
}

// Filter keeps catalog items that look like microphones. Feeds from
// merchant centers carry a shop's whole catalog.
type Filter struct {
	keywords []string
	exclude  []string
}

// NewFilter creates a filter with the default keywords plus extras.
func NewFilter(extraKeywords, excludeKeywords []string) *Filter {
	keywords := make([]string, 0, len(DefaultMicKeywords)+len(extraKeywords))
	keywords = append(keywords, DefaultMicKeywords...)
	keywords = append(keywords, extraKeywords...)
	for i, kw := range keywords {
		keywords[i] = strings.ToLower(kw)
	}

	exclude := make([]string, 0, len(DefaultAccessoryKeywords)+len(excludeKeywords))
	exclude = append(exclude, DefaultAccessoryKeywords...)
	exclude = append(exclude, excludeKeywords...)
	for i, kw := range exclude {
		exclude[i] = strings.ToLower(kw)
	}

	return &Filter{keywords: keywords, exclude: exclude}
}

// Matches reports whether any of texts (title, product type, category)
// names a microphone and none names an accessory. A nil filter matches
// everything.
func (f *Filter) Matches(texts ...string) bool {
	if f == nil {
		return true
	}
	lower := strings.ToLower(strings.Join(texts, " ")) + " "

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
