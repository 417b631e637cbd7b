package crawl

import (
	"strings"
	"unicode"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// keywordVariants lists inflected and derived forms of common food terms.
// Keys and values are ASCII-folded.
var keywordVariants = map[string][]string{
	"lahmacun": {"lahmacun", "lahmacunu", "lahmacunlar", "lahmacunlari", "lahmacuncu", "lahmacunun"},
	"doner":    {"doner", "doneri", "donerci", "donerler", "donercisi", "donerin"},
	"kebap":    {"kebap", "kebab", "kebabi", "kebapci", "kebaplar", "kebabin", "kebapcisi"},
	"pide":     {"pide", "pidesi", "pideci", "pideler", "pidenin"},
	"kofte":    {"kofte", "koftesi", "kofteci", "kofteler", "koftenin"},
	"manti":    {"manti", "mantisi", "mantici", "mantilar"},
	"balik":    {"balik", "baligi", "balikci", "baliklar", "baligin"},
	"tavuk":    {"tavuk", "tavugu", "tavukcu", "tavuklar"},
	"corba":    {"corba", "corbasi", "corbaci", "corbalar"},
	"baklava":  {"baklava", "baklavasi", "baklavaci", "baklavalar"},
	"kunefe":   {"kunefe", "kunefesi", "kunefeci"},
	"iskender": {"iskender", "iskenderi", "iskenderci"},
	"burger":   {"burger", "burgeri", "hamburger", "hamburgeri", "burgerci"},
	"pizza":    {"pizza", "pizzasi", "pizzaci", "pizzalar"},
	"kahvalti": {"kahvalti", "kahvaltisi", "kahvaltici", "serpme"},
	"kokorec":  {"kokorec", "kokoreci", "kokorecci"},
	"midye":    {"midye", "midyesi", "midyeci", "midyeler"},
	"borek":    {"borek", "boregi", "borekci", "borekler"},
	"et":       {"et", "eti", "etler", "etleri"},
	"sushi":    {"sushi", "susi", "sushisi"},
}

// maxSuffixRunes bounds the inflection accepted by the prefix rule.
const maxSuffixRunes = 5

var asciiFolder = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u",
	"â", "a", "î", "i", "û", "u",
)

// FoldKeyword lowercases with Turkish rules and strips diacritics.
func FoldKeyword(s string) string {
	return asciiFolder.Replace(strings.ToLowerSpecial(unicode.TurkishCase, s))
}

func tokens(s string) []string {
	return strings.FieldsFunc(FoldKeyword(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MatchKeywords returns the distinct words of text that match a query term,
// in order of appearance.
func MatchKeywords(text, query string) []string {
	terms := tokens(query)
	if len(terms) == 0 {
		return nil
	}
	variants := make(map[string]struct{})
	var stems []string
	for _, term := range terms {
		stem := term
		for key, forms := range keywordVariants {
			for _, f := range forms {
				if f == term {
					stem = key
				}
			}
		}
		stems = append(stems, stem)
		variants[term] = struct{}{}
		for _, f := range keywordVariants[stem] {
			variants[f] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, word := range tokens(text) {
		if _, dup := seen[word]; dup {
			continue
		}
		if matchesWord(word, variants, stems) {
			seen[word] = struct{}{}
			out = append(out, word)
		}
	}
	return out
}

func matchesWord(word string, variants map[string]struct{}, stems []string) bool {
	if _, ok := variants[word]; ok {
		return true
	}
	for _, stem := range stems {
		// Short stems only match exactly; "et" must not match "etkileyici".
		if len([]rune(stem)) < 4 {
			continue
		}
		if strings.HasPrefix(word, stem) && len([]rune(word))-len([]rune(stem)) <= maxSuffixRunes {
			return true
		}
	}
	return false
}

// TagKeywords fills MatchedKeywords on every review.
func TagKeywords(reviews []domain.ScrapedReview, query string) {
	for i := range reviews {
		reviews[i].MatchedKeywords = MatchKeywords(reviews[i].Text, query)
	}
}
