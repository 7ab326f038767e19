package parser

import (
	"testing"

	"github.com/maltedev/grocery-price-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const categoryPage = `<html><body>
<header><span class="fs-selected-store__name">PAK'nSAVE Petone</span></header>
<div class="fs-product-grid">
	<div class="fs-product-card">
		<a href="/shop/product/5012345_ea_000pns" aria-label="Anchor Blue Milk  2L">
			<div><div data-src-s="https://a.fsimg.co.nz/product/retail/fan/image/200x200/5012345.png"></div></div>
			<p> 2l </p>
		</a>
		<div class="fs-price-lockup">
			<span class="fs-price-lockup__dollars">6</span>
			<span class="fs-price-lockup__cents">50</span>
		</div>
		<span class="fs-product-card__price-by-weight">$3.25/1L</span>
	</div>
	<div class="fs-product-card">
		<a href="/shop/product/5022829_ea_000pns" aria-label="Pams Frozen Peas">
			<div><div data-src-s="https://a.fsimg.co.nz/product/retail/fan/image/200x200/5022829.png"></div></div>
			<p>ea</p>
		</a>
		<div class="fs-price-lockup">
			<span class="fs-price-lockup__dollars">4</span>
			<span class="fs-price-lockup__cents">90</span>
		</div>
		<span class="fs-product-card__price-by-weight">$1.40/100g</span>
	</div>
	<div class="fs-product-card">
		<a aria-label="Sold Out Item"><p>1kg</p></a>
	</div>
</div>
</body></html>`

const sourceURL = "https://www.paknsave.co.nz/shop/category/fresh-foods-and-bakery/dairy--eggs/fresh-milk?pg=1"

func TestParseProductCards(t *testing.T) {
	p := NewCardParser(DefaultSelectors())

	products, err := p.ParseProductCards(categoryPage, sourceURL)
	require.NoError(t, err)
	require.Len(t, products, 3)

	assert.Equal(t, models.RawProduct{
		Name:          "Anchor Blue Milk 2L",
		ImageURL:      "https://a.fsimg.co.nz/product/retail/fan/image/200x200/5012345.png",
		SizeText:      "2l",
		Dollars:       "6",
		Cents:         "50",
		UnitPriceText: "$3.25/1L",
		SourceURL:     sourceURL,
	}, products[0])

	assert.Equal(t, "ea", products[1].SizeText)
	assert.Equal(t, "$1.40/100g", products[1].UnitPriceText)

	// incomplete cards are still returned
	assert.Equal(t, "Sold Out Item", products[2].Name)
	assert.Empty(t, products[2].ImageURL)
	assert.Empty(t, products[2].Dollars)
}

func TestParseProductCards_NoCards(t *testing.T) {
	p := NewCardParser(DefaultSelectors())

	products, err := p.ParseProductCards(`<html><body><p>No products</p></body></html>`, sourceURL)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestExtractStoreName(t *testing.T) {
	p := NewCardParser(DefaultSelectors())

	assert.Equal(t, "PAK'nSAVE Petone", p.ExtractStoreName(categoryPage))
	assert.Equal(t, "Unknown", p.ExtractStoreName(`<html></html>`))
}
