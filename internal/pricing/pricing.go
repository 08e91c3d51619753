// Package pricing computes the fee breakdown of a shopping request and the
// part of it a shopper earns.
package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/example/shopper-dispatch/internal/models"
)

// Schedule holds the tunable fee parameters. Amounts are minor units.
type Schedule struct {
	Currency string `yaml:"currency"`

	CommitmentRate float64      `yaml:"commitment_rate"`
	CommitmentMin  models.Money `yaml:"commitment_min"`
	CommitmentMax  models.Money `yaml:"commitment_max"` // 0 = uncapped

	ServiceRate float64      `yaml:"service_rate"`
	ServiceMin  models.Money `yaml:"service_min"`

	PerExtraStore models.Money `yaml:"per_extra_store"`

	PickPackBase    models.Money `yaml:"pick_pack_base"`
	PickPackPerItem models.Money `yaml:"pick_pack_per_item"`
}

func DefaultSchedule() Schedule {
	return Schedule{
		Currency:       "USD",
		CommitmentRate: 0.05,
		CommitmentMin:  200,
		CommitmentMax:  2500,
		ServiceRate:    0.08,
		ServiceMin:     100,
		PerExtraStore:  300,
		PickPackBase:   400,
	}
}

// LoadSchedule reads a YAML schedule; fields missing from the file keep
// their defaults.
func LoadSchedule(path string) (Schedule, error) {
	s := DefaultSchedule()
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read fee schedule: %w", err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse fee schedule: %w", err)
	}
	return s, s.Validate()
}

func (s Schedule) Validate() error {
	if s.CommitmentRate < 0 || s.ServiceRate < 0 {
		return fmt.Errorf("fee rates must be non-negative")
	}
	if s.CommitmentMax != 0 && s.CommitmentMax < s.CommitmentMin {
		return fmt.Errorf("commitment_max must be >= commitment_min")
	}
	if s.CommitmentMin < 0 || s.ServiceMin < 0 || s.PickPackBase < 0 || s.PickPackPerItem < 0 {
		return fmt.Errorf("fee amounts must be non-negative")
	}
	// every extra store adds travel
	if s.PerExtraStore <= 0 {
		return fmt.Errorf("per_extra_store must be positive")
	}
	return nil
}

// ComputeFees prices a request with the default schedule and a flat
// pick & pack fee.
func ComputeFees(basketEstimate models.Money, storeCount int) models.FeeBreakdown {
	return DefaultSchedule().Compute(basketEstimate, storeCount, 0)
}

// Compute returns the breakdown for a basket. itemCount only matters when
// PickPackPerItem is set. Subtotal is the exact sum of the four components.
func (s Schedule) Compute(basketEstimate models.Money, storeCount, itemCount int) models.FeeBreakdown {
	if basketEstimate < 0 {
		basketEstimate = 0
	}

	commitment := applyRate(basketEstimate, s.CommitmentRate)
	if commitment < s.CommitmentMin {
		commitment = s.CommitmentMin
	}
	if s.CommitmentMax > 0 && commitment > s.CommitmentMax {
		commitment = s.CommitmentMax
	}

	service := applyRate(basketEstimate, s.ServiceRate)
	if service < s.ServiceMin {
		service = s.ServiceMin
	}

	var surcharge models.Money
	surchargeDesc := "Single store, no surcharge"
	if storeCount > 1 {
		extra := storeCount - 1
		surcharge = s.PerExtraStore * models.Money(extra)
		surchargeDesc = fmt.Sprintf("Travel between %d extra stores", extra)
		if extra == 1 {
			surchargeDesc = "Travel to 1 extra store"
		}
	}

	pickPack := s.PickPackBase
	pickPackDesc := "Flat picking and packing fee, paid to the shopper"
	if s.PickPackPerItem > 0 && itemCount > 0 {
		pickPack += s.PickPackPerItem * models.Money(itemCount)
		pickPackDesc = fmt.Sprintf("Picking and packing for %d items, paid to the shopper", itemCount)
	}

	b := models.FeeBreakdown{
		CommitmentFee: models.Fee{
			Amount:      commitment,
			Label:       "Commitment fee",
			Description: fmt.Sprintf("%s%% of basket estimate, paid to the shopper", percent(s.CommitmentRate)),
		},
		ServiceFee: models.Fee{
			Amount:      service,
			Label:       "Service fee",
			Description: fmt.Sprintf("%s%% of basket estimate", percent(s.ServiceRate)),
		},
		MultiStoreSurcharge: models.Fee{
			Amount:      surcharge,
			Label:       "Multi-store surcharge",
			Description: surchargeDesc,
		},
		PickPackFee: models.Fee{
			Amount:      pickPack,
			Label:       "Pick & pack fee",
			Description: pickPackDesc,
		},
	}
	b.Subtotal = Subtotal(b)
	return b
}

// Subtotal sums the four fee components.
func Subtotal(b models.FeeBreakdown) models.Money {
	return b.CommitmentFee.Amount + b.ServiceFee.Amount + b.MultiStoreSurcharge.Amount + b.PickPackFee.Amount
}

// NetEarnings is what the provider takes home: commitment + pick & pack + tip.
// Service fee and multi-store surcharge stay with the platform.
func NetEarnings(b models.FeeBreakdown, tip models.Money) models.Money {
	return b.CommitmentFee.Amount + b.PickPackFee.Amount + tip
}

// Format renders an amount for display, e.g. "$ 12.50".
func Format(m models.Money, cur string) string {
	unit, err := currency.ParseISO(cur)
	if err != nil {
		return fmt.Sprintf("%s %s", cur, decimal.New(int64(m), -2).StringFixed(2))
	}
	p := message.NewPrinter(language.English)
	return p.Sprint(currency.Symbol(unit.Amount(decimal.New(int64(m), -2).InexactFloat64())))
}

func applyRate(amount models.Money, rate float64) models.Money {
	v := decimal.NewFromInt(int64(amount)).Mul(decimal.NewFromFloat(rate)).Round(0)
	return models.Money(v.IntPart())
}

func percent(rate float64) string {
	return decimal.NewFromFloat(rate).Mul(decimal.NewFromInt(100)).String()
}
