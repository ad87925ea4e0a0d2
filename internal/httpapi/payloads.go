package httpapi

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborwatch/credits/pkg/credits"
	"github.com/harborwatch/credits/pkg/pricing"
)

type purchaseRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ExpiresAt   string `json:"expires_at"`
}

type refundRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ServiceRef  string `json:"service_ref"`
}

type confirmRequest struct {
	Description string `json:"description"`
}

// costRequestPayload is the duck-typed wire form; toCostRequest converts it
// into the tagged union the calculator dispatches over.
type costRequestPayload struct {
	ServiceType       string  `json:"service_type"`
	CriteriaCount     int     `json:"criteria_count"`
	DurationDays      float64 `json:"duration_days"`
	AreaSizeKm2       float64 `json:"area_size_km2"`
	VesselCount       int     `json:"vessel_count"`
	DurationMonths    int     `json:"duration_months"`
	ReportKind        string  `json:"report_kind"`
	InvestigationTier string  `json:"investigation_tier"`
	CustomAmount      int64   `json:"custom_amount"`
}

func (payload costRequestPayload) toCostRequest() (pricing.CostRequest, error) {
	serviceType, err := pricing.ParseServiceType(payload.ServiceType)
	if err != nil {
		return nil, err
	}
	switch serviceType {
	case pricing.ServiceVesselTracking:
		return pricing.VesselTrackingRequest{
			CriteriaCount: payload.CriteriaCount,
			DurationDays:  payload.DurationDays,
		}, nil
	case pricing.ServiceAreaMonitoring:
		return pricing.AreaMonitoringRequest{
			AreaSizeKm2:  payload.AreaSizeKm2,
			DurationDays: int(payload.DurationDays),
		}, nil
	case pricing.ServiceFleetTracking:
		return pricing.FleetTrackingRequest{
			VesselCount:    payload.VesselCount,
			DurationMonths: payload.DurationMonths,
		}, nil
	case pricing.ServiceReportGeneration:
		return pricing.ReportGenerationRequest{
			Kind: pricing.ReportKind(payload.ReportKind),
		}, nil
	case pricing.ServiceInvestigation:
		return pricing.InvestigationRequest{
			Tier:         pricing.InvestigationTier(payload.InvestigationTier),
			CustomAmount: payload.CustomAmount,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", pricing.ErrInvalidServiceType, payload.ServiceType)
	}
}

type chargeRequest struct {
	costRequestPayload
	Description string `json:"description"`
	ServiceRef  string `json:"service_ref"`
}

type reserveRequest struct {
	costRequestPayload
	TTLSeconds int64 `json:"ttl_seconds"`
}

type balancePayload struct {
	AccountID    string               `json:"account_id"`
	Available    int64                `json:"available"`
	Lifetime     int64                `json:"lifetime"`
	ExpiringLots []expiringLotPayload `json:"expiring_lots"`
}

type expiringLotPayload struct {
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

func balancePayloadFrom(balance credits.Balance) balancePayload {
	lots := make([]expiringLotPayload, 0, len(balance.ExpiringLots))
	for _, lot := range balance.ExpiringLots {
		lots = append(lots, expiringLotPayload{
			Amount:    lot.Amount.Int64(),
			ExpiresAt: lot.ExpiresAt,
		})
	}
	return balancePayload{
		AccountID:    balance.AccountID.String(),
		Available:    balance.Available.Int64(),
		Lifetime:     balance.Lifetime.Int64(),
		ExpiringLots: lots,
	}
}

type transactionPayload struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	Description   string    `json:"description"`
	ServiceRef    string    `json:"service_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func transactionPayloadFrom(transaction credits.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID: transaction.ID,
		AccountID:     transaction.AccountID.String(),
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Description:   transaction.Description,
		ServiceRef:    transaction.ServiceRef,
		CreatedAt:     transaction.CreatedAt,
	}
}

type reservationPayload struct {
	ReservationID string    `json:"reservation_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	ServiceType   string    `json:"service_type"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func reservationPayloadFrom(reservation credits.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID: reservation.ID.String(),
		AccountID:     reservation.AccountID.String(),
		Amount:        reservation.Amount.Int64(),
		ServiceType:   reservation.ServiceType.String(),
		Status:        reservation.Status.String(),
		CreatedAt:     reservation.CreatedAt,
		ExpiresAt:     reservation.ExpiresAt,
	}
}

func listParams(ctx *gin.Context) (credits.TransactionFilter, credits.Page, error) {
	filter := credits.TransactionFilter{}
	if raw := ctx.Query("type"); raw != "" {
		transactionType, err := credits.ParseTransactionType(raw)
		if err != nil {
			return filter, credits.Page{}, fmt.Errorf("unknown transaction type %q", raw)
		}
		filter.Types = []credits.TransactionType{transactionType}
	}
	if raw := ctx.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, credits.Page{}, fmt.Errorf("invalid from timestamp")
		}
		filter.From = from
	}
	if raw := ctx.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, credits.Page{}, fmt.Errorf("invalid to timestamp")
		}
		filter.To = to
	}
	page := credits.Page{}
	if raw := ctx.Query("page"); raw != "" {
		number, err := strconv.Atoi(raw)
		if err != nil || number < 1 {
			return filter, page, fmt.Errorf("invalid page number")
		}
		page.Number = number
	}
	if raw := ctx.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, page, fmt.Errorf("invalid page limit")
		}
		page.Limit = limit
	}
	return filter, page.Normalize(), nil
}
