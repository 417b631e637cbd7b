package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCount(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"1.234":      1234,
		"1,234":      1234,
		"(87)":       87,
		"1,2 B":      1200,
		"12K":        12000,
		"3 bin":      3000,
		"2,5 mn":     2500000,
		"1 234":      1234,
		"1\u00a0234": 1234,
	}
	for raw, want := range cases {
		got, ok := parseCount(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
	_, ok := parseCount("çok")
	require.False(t, ok)
}

func TestRatingParsing(t *testing.T) {
	t.Parallel()

	r, ok := ratingFromLabel("4,7 yıldız")
	require.True(t, ok)
	require.InDelta(t, 4.7, r, 1e-9)

	r, ok = ratingFromLabel("Rated 3.5 out of 5")
	require.True(t, ok)
	require.InDelta(t, 3.5, r, 1e-9)

	_, ok = ratingFromLabel("Menü")
	require.False(t, ok)
	_, ok = parseRating("7,5")
	require.False(t, ok)
}

func TestCountFromLabel(t *testing.T) {
	t.Parallel()

	n, ok := countFromLabel("2.418 yorum")
	require.True(t, ok)
	require.Equal(t, 2418, n)

	n, ok = countFromLabel("1,1 B değerlendirme")
	require.True(t, ok)
	require.Equal(t, 1100, n)

	_, ok = countFromLabel("Yorumlar")
	require.False(t, ok)
}

func TestCoordsFromURL(t *testing.T) {
	t.Parallel()

	lat, lon, ok := coordsFromURL("https://www.google.com/maps/place/X/@41.0,29.0,15z/data=!3d40.98!4d29.05")
	require.True(t, ok)
	require.InDelta(t, 40.98, lat, 1e-9)
	require.InDelta(t, 29.05, lon, 1e-9)

	_, _, ok = coordsFromURL("https://www.google.com/maps/@95.0,29.0,15z")
	require.False(t, ok)
	_, _, ok = coordsFromURL("https://www.google.com/maps/search/pide")
	require.False(t, ok)
}

func TestCSSPathRoundTrip(t *testing.T) {
	t.Parallel()

	doc := mustDoc(`<html><body><div><p>a</p><p>b<span>x</span></p></div><section id="main"><b>y</b></section></body></html>`)

	span := doc.Find("span")
	require.Equal(t, "html > body:nth-of-type(1) > div:nth-of-type(1) > p:nth-of-type(2) > span:nth-of-type(1)", cssPath(span))
	require.Equal(t, "x", doc.Find(cssPath(span)).Text())

	b := doc.Find("b")
	require.Equal(t, "#main > b:nth-of-type(1)", cssPath(b))
	require.Empty(t, cssPath(doc.Find("table")))
}
