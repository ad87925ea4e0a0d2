package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidServiceType is returned when a cost request names an unknown service.
var ErrInvalidServiceType = errors.New("invalid service type")

// ServiceType enumerates the billable monitoring services.
type ServiceType string

const (
	ServiceVesselTracking   ServiceType = "vessel_tracking"
	ServiceAreaMonitoring   ServiceType = "area_monitoring"
	ServiceFleetTracking    ServiceType = "fleet_tracking"
	ServiceReportGeneration ServiceType = "report_generation"
	ServiceInvestigation    ServiceType = "investigation"
)

// String returns the wire form of the service type.
func (serviceType ServiceType) String() string {
	return string(serviceType)
}

// ParseServiceType validates a raw service type string.
func ParseServiceType(raw string) (ServiceType, error) {
	switch ServiceType(strings.TrimSpace(raw)) {
	case ServiceVesselTracking:
		return ServiceVesselTracking, nil
	case ServiceAreaMonitoring:
		return ServiceAreaMonitoring, nil
	case ServiceFleetTracking:
		return ServiceFleetTracking, nil
	case ServiceReportGeneration:
		return ServiceReportGeneration, nil
	case ServiceInvestigation:
		return ServiceInvestigation, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidServiceType, raw)
	}
}

// ReportKind selects a report price from the catalog.
type ReportKind string

const (
	ReportCompliance         ReportKind = "compliance"
	ReportChronology         ReportKind = "chronology"
	ReportSTSTransfer        ReportKind = "sts_transfer"
	ReportSanctionsScreening ReportKind = "sanctions_screening"
)

// InvestigationTier selects an investigation price from the catalog.
type InvestigationTier string

const (
	InvestigationBasic         InvestigationTier = "basic"
	InvestigationComprehensive InvestigationTier = "comprehensive"
	InvestigationCustom        InvestigationTier = "custom"
)

// CostRequest is the tagged union over the five billable service kinds. Each
// variant carries its own parameter set; Calculator dispatches exhaustively.
type CostRequest interface {
	ServiceType() ServiceType
}

// VesselTrackingRequest prices continuous tracking of vessels matching a
// number of search criteria over a duration in days.
type VesselTrackingRequest struct {
	CriteriaCount int
	DurationDays  float64
}

func (VesselTrackingRequest) ServiceType() ServiceType { return ServiceVesselTracking }

// AreaMonitoringRequest prices geofenced-area monitoring by area size and duration.
type AreaMonitoringRequest struct {
	AreaSizeKm2  float64
	DurationDays int
}

func (AreaMonitoringRequest) ServiceType() ServiceType { return ServiceAreaMonitoring }

// FleetTrackingRequest prices fleet-wide tracking by vessel count and months.
type FleetTrackingRequest struct {
	VesselCount    int
	DurationMonths int
}

func (FleetTrackingRequest) ServiceType() ServiceType { return ServiceFleetTracking }

// ReportGenerationRequest prices a one-off report by kind.
type ReportGenerationRequest struct {
	Kind ReportKind
}

func (ReportGenerationRequest) ServiceType() ServiceType { return ServiceReportGeneration }

// InvestigationRequest prices an investigation by tier. CustomAmount is used
// verbatim for the custom tier when positive.
type InvestigationRequest struct {
	Tier         InvestigationTier
	CustomAmount int64
}

func (InvestigationRequest) ServiceType() ServiceType { return ServiceInvestigation }
