package crawl

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const placeURL = "https://www.google.com/maps/place/Haci+Usta/@40.9901,29.0292,17z/data=!3d40.99012!4d29.02915"

func pageHTML(title, body string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><div role="main">%s</div></body></html>`, title, body)
}

func card(author, when, text string, stars int, extra string) string {
	return fmt.Sprintf(`<div class="review"><div>%s</div><div>Yerel Rehber · 12 yorum</div><span role="img" aria-label="%d yıldız"></span><span>%s</span><span>%s</span>%s</div>`,
		author, stars, when, text, extra)
}

func reviewList(cards ...string) string {
	return `<div class="list">` + strings.Join(cards, "") + `</div>`
}

var (
	expandButton = `<button aria-label="Daha fazla">Daha fazla</button>`

	cardAyse   = card("Ayşe K.", "2 hafta önce", "Lahmacunu çok güzeldi, tekrar geleceğiz.", 5, "")
	cardMehmet = card("Mehmet T.", "bir ay önce", "Servis yavaştı ama lahmacun sıcacıktı.", 4, expandButton)
	cardZeynep = card("Zeynep A.", "3 ay önce", "Fiyatlar biraz yüksek, porsiyonlar küçük.", 2, "")
	cardOld    = card("Eski Yorumcu", "5 yıl önce", "Eskiden daha iyiydi.", 3, "")

	overviewBody = `<h1>Hacı Usta Lahmacun</h1>
<span role="img" aria-label="4,6 yıldız"></span>
<button aria-label="1.234 yorum">(1.234)</button>
<button data-item-id="address" aria-label="Adres: Bağdat Cad. No:5, Kadıköy">Bağdat Cad. No:5</button>
<span aria-label="Fiyat: ₺₺">₺₺</span>
<div role="tablist"><button role="tab" aria-label="Genel bakış">Genel bakış</button><button role="tab" aria-label="Yorumlar" data-next="reviews">Yorumlar</button></div>`

	reviewTools = `<h1>Hacı Usta Lahmacun</h1>
<input aria-label="Yorumlarda ara" data-next="filtered">
<button aria-label="Yorumları sırala" data-next="menu">Sırala</button>`

	newestMenu = `<div role="menu"><div role="menuitemradio" data-next="sorted">En yeni</div><div role="menuitemradio">En alakalı</div></div>`
)

// placeStates walks overview, reviews, keyword filter, sort menu, sorted list
// and one extra scroll page.
func placeStates() map[string]string {
	const title = "Hacı Usta Lahmacun - Google Haritalar"
	return map[string]string{
		"overview": pageHTML(title, overviewBody),
		"reviews":  pageHTML(title, reviewTools+reviewList(cardAyse, cardOld)),
		"filtered": pageHTML(title, reviewTools+reviewList(cardAyse)),
		"menu":     pageHTML(title, reviewTools+newestMenu+reviewList(cardAyse)),
		"sorted":   pageHTML(title, reviewTools+reviewList(cardAyse, cardMehmet)),
		"more":     pageHTML(title, reviewTools+reviewList(cardAyse, cardMehmet, cardZeynep)),
	}
}

func mustDoc(raw string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return doc
}
