package parser

import (
	"github.com/maltedev/grocery-price-scraper/internal/models"
)

type Parser interface {
	ParseProductCards(html string, sourceURL string) ([]models.RawProduct, error)
	ExtractStoreName(html string) string
}
