package pricing

import (
	"fmt"
	"math"
)

// AreaTier maps a minimum area size to a per-km2 multiplier. Tiers are
// matched against the highest MinKm2 not exceeding the requested size.
type AreaTier struct {
	MinKm2     float64
	Multiplier float64
}

// FleetDiscount maps a minimum vessel count to a bulk discount fraction.
type FleetDiscount struct {
	MinVessels int
	Discount   float64
}

// Catalog supplies the per-service rate constants and tier tables. It is
// static configuration: Calculator never mutates it.
type Catalog struct {
	VesselRatePerCriterionDay int64
	AreaBaseDailyRate         float64
	AreaTiers                 []AreaTier
	FleetMonthlyRatePerVessel int64
	FleetDiscounts            []FleetDiscount
	ReportPrices              map[ReportKind]int64
	InvestigationPrices       map[InvestigationTier]int64
}

// DefaultCatalog returns the platform's standard rate card.
func DefaultCatalog() Catalog {
	return Catalog{
		VesselRatePerCriterionDay: 5,
		AreaBaseDailyRate:         10,
		AreaTiers: []AreaTier{
			{MinKm2: 0, Multiplier: 0},
			{MinKm2: 100, Multiplier: 0.1},
			{MinKm2: 500, Multiplier: 0.2},
			{MinKm2: 1000, Multiplier: 0.3},
		},
		FleetMonthlyRatePerVessel: 100,
		FleetDiscounts: []FleetDiscount{
			{MinVessels: 0, Discount: 0},
			{MinVessels: 20, Discount: 0.10},
			{MinVessels: 50, Discount: 0.20},
		},
		ReportPrices: map[ReportKind]int64{
			ReportCompliance:         50,
			ReportChronology:         75,
			ReportSTSTransfer:        100,
			ReportSanctionsScreening: 150,
		},
		InvestigationPrices: map[InvestigationTier]int64{
			InvestigationBasic:         100,
			InvestigationComprehensive: 250,
		},
	}
}

// Calculator maps a cost request to a credit amount. It is pure and
// deterministic: the same request always prices the same, which keeps
// client-side previews in sync with server-side charges.
type Calculator struct {
	catalog Catalog
}

// NewCalculator wires a Calculator over a rate catalog.
func NewCalculator(catalog Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// Cost returns the credit price for a request. Unknown request types fail
// with ErrInvalidServiceType; unknown report kinds and investigation tiers
// fall back to the lowest-tier price instead of erroring.
func (calculator *Calculator) Cost(request CostRequest) (int64, error) {
	switch typed := request.(type) {
	case VesselTrackingRequest:
		return calculator.vesselTrackingCost(typed), nil
	case AreaMonitoringRequest:
		return calculator.areaMonitoringCost(typed), nil
	case FleetTrackingRequest:
		return calculator.fleetTrackingCost(typed), nil
	case ReportGenerationRequest:
		return calculator.reportCost(typed), nil
	case InvestigationRequest:
		return calculator.investigationCost(typed), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrInvalidServiceType, request)
	}
}

func (calculator *Calculator) vesselTrackingCost(request VesselTrackingRequest) int64 {
	if request.CriteriaCount <= 0 || request.DurationDays <= 0 {
		return 0
	}
	days := int64(math.Ceil(request.DurationDays))
	if days < 1 {
		days = 1
	}
	return days * int64(request.CriteriaCount) * calculator.catalog.VesselRatePerCriterionDay
}

func (calculator *Calculator) areaMonitoringCost(request AreaMonitoringRequest) int64 {
	if request.DurationDays <= 0 || request.AreaSizeKm2 < 0 {
		return 0
	}
	dailyRate := calculator.catalog.AreaBaseDailyRate + request.AreaSizeKm2*calculator.areaMultiplier(request.AreaSizeKm2)
	return int64(math.Round(dailyRate * float64(request.DurationDays)))
}

func (calculator *Calculator) areaMultiplier(areaSizeKm2 float64) float64 {
	multiplier := 0.0
	for _, tier := range calculator.catalog.AreaTiers {
		if areaSizeKm2 >= tier.MinKm2 {
			multiplier = tier.Multiplier
		}
	}
	return multiplier
}

func (calculator *Calculator) fleetTrackingCost(request FleetTrackingRequest) int64 {
	if request.VesselCount <= 0 || request.DurationMonths <= 0 {
		return 0
	}
	base := int64(request.VesselCount) * calculator.catalog.FleetMonthlyRatePerVessel * int64(request.DurationMonths)
	discount := 0.0
	for _, tier := range calculator.catalog.FleetDiscounts {
		if request.VesselCount >= tier.MinVessels {
			discount = tier.Discount
		}
	}
	return int64(math.Round(float64(base) * (1 - discount)))
}

func (calculator *Calculator) reportCost(request ReportGenerationRequest) int64 {
	if price, known := calculator.catalog.ReportPrices[request.Kind]; known {
		return price
	}
	return calculator.lowestReportPrice()
}

func (calculator *Calculator) lowestReportPrice() int64 {
	lowest := int64(0)
	first := true
	for _, price := range calculator.catalog.ReportPrices {
		if first || price < lowest {
			lowest = price
			first = false
		}
	}
	return lowest
}

func (calculator *Calculator) investigationCost(request InvestigationRequest) int64 {
	if request.Tier == InvestigationCustom {
		if request.CustomAmount > 0 {
			return request.CustomAmount
		}
		return calculator.catalog.InvestigationPrices[InvestigationBasic]
	}
	if price, known := calculator.catalog.InvestigationPrices[request.Tier]; known {
		return price
	}
	return calculator.catalog.InvestigationPrices[InvestigationBasic]
}
