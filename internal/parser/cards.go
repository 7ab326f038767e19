package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/grocery-price-scraper/internal/models"
)

// Selectors locate the fields of a product card. Link, Image and Size are
// looked up inside the card's first link.
type Selectors struct {
	Card      string
	Link      string
	Image     string
	ImageAttr string
	Size      string
	Dollars   string
	Cents     string
	UnitPrice string
	StoreName string
}

func DefaultSelectors() Selectors {
	return Selectors{
		Card:      "div.fs-product-card",
		Link:      "a",
		Image:     "div div",
		ImageAttr: "data-src-s",
		Size:      "p",
		Dollars:   ".fs-price-lockup__dollars",
		Cents:     ".fs-price-lockup__cents",
		UnitPrice: ".fs-product-card__price-by-weight",
		StoreName: "span.fs-selected-store__name",
	}
}

type CardParser struct {
	sel Selectors
}

func NewCardParser(sel Selectors) *CardParser {
	return &CardParser{sel: sel}
}

// ParseProductCards returns one raw product per card in page order. Missing
// fields are left empty for the pipeline to reject.
func (p *CardParser) ParseProductCards(html string, sourceURL string) ([]models.RawProduct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var products []models.RawProduct
	doc.Find(p.sel.Card).Each(func(_ int, card *goquery.Selection) {
		products = append(products, p.parseCard(card, sourceURL))
	})

	return products, nil
}

func (p *CardParser) parseCard(card *goquery.Selection, sourceURL string) models.RawProduct {
	link := card.Find(p.sel.Link).First()

	name, _ := link.Attr("aria-label")
	image, _ := link.Find(p.sel.Image).First().Attr(p.sel.ImageAttr)

	return models.RawProduct{
		Name:          cleanText(name),
		ImageURL:      strings.TrimSpace(image),
		SizeText:      cleanText(link.Find(p.sel.Size).First().Text()),
		Dollars:       cleanText(card.Find(p.sel.Dollars).First().Text()),
		Cents:         cleanText(card.Find(p.sel.Cents).First().Text()),
		UnitPriceText: cleanText(card.Find(p.sel.UnitPrice).First().Text()),
		SourceURL:     sourceURL,
	}
}

// ExtractStoreName returns the selected store shown in the header, or
// "Unknown".
func (p *CardParser) ExtractStoreName(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "Unknown"
	}
	if name := cleanText(doc.Find(p.sel.StoreName).First().Text()); name != "" {
		return name
	}
	return "Unknown"
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
