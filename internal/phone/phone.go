// Package phone derives coarse locale information from international phone
// numbers. It is used to seed new user records with a country and a likely
// conversation language.
package phone

import "strings"

// Locale describes the region and language inferred from a calling code.
type Locale struct {
	RegionCode   string // ISO 3166-1 alpha-2
	LanguageCode string // ISO 639-1
	Country      string // English name
	Language     string // English name
}

type prefixEntry struct {
	prefix string
	locale Locale
}

// Ordered longest-prefix-first within each leading digit; Lookup scans for
// the first match.
var prefixes = []prefixEntry{
	{"1", Locale{"US", "en", "United States", "English"}},
	{"20", Locale{"EG", "ar", "Egypt", "Arabic"}},
	{"27", Locale{"ZA", "en", "South Africa", "English"}},
	{"30", Locale{"GR", "el", "Greece", "Greek"}},
	{"31", Locale{"NL", "nl", "Netherlands", "Dutch"}},
	{"33", Locale{"FR", "fr", "France", "French"}},
	{"34", Locale{"ES", "es", "Spain", "Spanish"}},
	{"351", Locale{"PT", "pt", "Portugal", "Portuguese"}},
	{"39", Locale{"IT", "it", "Italy", "Italian"}},
	{"44", Locale{"GB", "en", "United Kingdom", "English"}},
	{"49", Locale{"DE", "de", "Germany", "German"}},
	{"504", Locale{"HN", "es", "Honduras", "Spanish"}},
	{"506", Locale{"CR", "es", "Costa Rica", "Spanish"}},
	{"51", Locale{"PE", "es", "Peru", "Spanish"}},
	{"52", Locale{"MX", "es", "Mexico", "Spanish"}},
	{"54", Locale{"AR", "es", "Argentina", "Spanish"}},
	{"55", Locale{"BR", "pt", "Brazil", "Portuguese"}},
	{"56", Locale{"CL", "es", "Chile", "Spanish"}},
	{"57", Locale{"CO", "es", "Colombia", "Spanish"}},
	{"58", Locale{"VE", "es", "Venezuela", "Spanish"}},
	{"591", Locale{"BO", "es", "Bolivia", "Spanish"}},
	{"593", Locale{"EC", "es", "Ecuador", "Spanish"}},
	{"595", Locale{"PY", "es", "Paraguay", "Spanish"}},
	{"598", Locale{"UY", "es", "Uruguay", "Spanish"}},
	{"61", Locale{"AU", "en", "Australia", "English"}},
	{"62", Locale{"ID", "id", "Indonesia", "Indonesian"}},
	{"63", Locale{"PH", "en", "Philippines", "English"}},
	{"7", Locale{"RU", "ru", "Russia", "Russian"}},
	{"81", Locale{"JP", "ja", "Japan", "Japanese"}},
	{"86", Locale{"CN", "zh", "China", "Chinese"}},
	{"90", Locale{"TR", "tr", "Turkey", "Turkish"}},
	{"91", Locale{"IN", "hi", "India", "Hindi"}},
	{"966", Locale{"SA", "ar", "Saudi Arabia", "Arabic"}},
	{"971", Locale{"AE", "ar", "United Arab Emirates", "Arabic"}},
}

// Lookup matches a phone number (digits only or with a leading +) against
// the calling-code table using the longest matching prefix. The second
// return value is false when no prefix matches.
func Lookup(number string) (Locale, bool) {
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	if number == "" {
		return Locale{}, false
	}

	var best Locale
	bestLen := 0
	for _, e := range prefixes {
		if len(e.prefix) > bestLen && strings.HasPrefix(number, e.prefix) {
			best = e.locale
			bestLen = len(e.prefix)
		}
	}
	return best, bestLen > 0
}
