package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

func TestMatchKeywords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		text  string
		query string
		want  []string
	}{
		{"inflected form", "Dönerci amca çok ilgiliydi, dönerin eti harika", "döner", []string{"donerci", "donerin"}},
		{"dotted capital I", "İSKENDER porsiyonu doyurucu", "iskender", []string{"iskender"}},
		{"spelling variant", "Kebabı nefisti", "kebap", []string{"kebabi"}},
		{"prefix rule", "Lahmacuncular taze", "lahmacun", []string{"lahmacuncular"}},
		{"suffix too long", "lahmacunculuklarımızdan bahsetmek", "lahmacun", nil},
		{"short stem exact only", "Etkileyici bir mekan ama eti kuru", "et", []string{"eti"}},
		{"no repeat", "pide pide PİDE", "pide", []string{"pide"}},
		{"empty query", "her şey güzel", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, MatchKeywords(tc.text, tc.query))
		})
	}
}

func TestTagKeywords(t *testing.T) {
	t.Parallel()

	reviews := []domain.ScrapedReview{{Text: "Mantısı ev yapımı"}, {Text: "Servis hızlı"}}
	TagKeywords(reviews, "mantı")

	require.Equal(t, []string{"mantisi"}, reviews[0].MatchedKeywords)
	require.Empty(t, reviews[1].MatchedKeywords)
}

func TestFoldKeyword(t *testing.T) {
	t.Parallel()

	require.Equal(t, "cig kofte", FoldKeyword("ÇİĞ KÖFTE"))
	require.Equal(t, "isik", FoldKeyword("IŞIK"))
}
