package pipeline

import (
	"errors"
	"log/slog"

	"github.com/maltedev/grocery-price-scraper/internal/reconcile"
)

// Stats counts what happened to the products of one page.
type Stats struct {
	New           int
	PriceUpdated  int
	InfoUpdated   int
	UpToDate      int
	Failed        int
	Invalid       int
	Rejected      int
	ParseFailures int
	DryRun        int
}

// Record counts the result of one Process call.
func (s *Stats) Record(res Result, err error) {
	switch {
	case errors.Is(err, ErrParse):
		s.ParseFailures++
	case errors.Is(err, ErrOverrideInvalid):
		s.Invalid++
	case errors.Is(err, ErrValidation):
		s.Rejected++
	case err != nil:
		s.Failed++
	case res.DryRun:
		s.DryRun++
	default:
		switch res.Outcome {
		case reconcile.NewProduct:
			s.New++
		case reconcile.PriceUpdated:
			s.PriceUpdated++
		case reconcile.NonPriceUpdated:
			s.InfoUpdated++
		case reconcile.AlreadyUpToDate:
			s.UpToDate++
		default:
			s.Failed++
		}
	}
}

// Add merges other into s.
func (s *Stats) Add(other Stats) {
	s.New += other.New
	s.PriceUpdated += other.PriceUpdated
	s.InfoUpdated += other.InfoUpdated
	s.UpToDate += other.UpToDate
	s.Failed += other.Failed
	s.Invalid += other.Invalid
	s.Rejected += other.Rejected
	s.ParseFailures += other.ParseFailures
	s.DryRun += other.DryRun
}

func (s Stats) Total() int {
	return s.New + s.PriceUpdated + s.InfoUpdated + s.UpToDate +
		s.Failed + s.Invalid + s.Rejected + s.ParseFailures + s.DryRun
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("new", s.New),
		slog.Int("price_updated", s.PriceUpdated),
		slog.Int("info_updated", s.InfoUpdated),
		slog.Int("up_to_date", s.UpToDate),
		slog.Int("failed", s.Failed),
		slog.Int("invalid", s.Invalid),
		slog.Int("rejected", s.Rejected),
		slog.Int("parse_failures", s.ParseFailures),
	)
}
