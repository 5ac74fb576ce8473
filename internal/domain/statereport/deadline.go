package statereport

import "time"

const day = 24 * time.Hour

// Deadline is the output of the deadline calculator.
type Deadline struct {
	Deadline        time.Time
	IsMandatory     bool
	Confidentiality ConfidentialityLevel
}

type reportPolicy struct {
	window          time.Duration
	mandatory       bool
	confidentiality ConfidentialityLevel
}

// reportPolicies holds the per-type reporting window, mandatory flag and
// confidentiality. Disease surveillance takes its window from priority.
var reportPolicies = map[ReportType]reportPolicy{
	ReportTypeBirth:               {window: 5 * day, mandatory: true, confidentiality: ConfidentialityConfidential},
	ReportTypeDeath:               {window: 3 * day, mandatory: true, confidentiality: ConfidentialityConfidential},
	ReportTypeImmunization:        {window: 30 * day, mandatory: true, confidentiality: ConfidentialityNormal},
	ReportTypeDiseaseSurveillance: {mandatory: true, confidentiality: ConfidentialityRestricted},
	ReportTypeCancer:              {window: 180 * day, mandatory: true, confidentiality: ConfidentialityRestricted},
	ReportTypeVitalStatistics:     {window: 30 * day, mandatory: true, confidentiality: ConfidentialityNormal},
}

var surveillanceWindows = map[PriorityLevel]time.Duration{
	PriorityImmediate: 24 * time.Hour,
	PriorityUrgent:    3 * day,
}

const defaultWindow = 7 * day

// ComputeDeadline derives the reporting deadline and handling flags. The
// deadline is anchored on incidentDate when present, otherwise reportDate.
func ComputeDeadline(reportType ReportType, priority PriorityLevel, incidentDate *time.Time, reportDate time.Time) Deadline {
	base := reportDate
	if incidentDate != nil && !incidentDate.IsZero() {
		base = *incidentDate
	}

	policy, ok := reportPolicies[reportType]
	if !ok {
		return Deadline{
			Deadline:        base.Add(defaultWindow),
			IsMandatory:     false,
			Confidentiality: ConfidentialityNormal,
		}
	}

	window := policy.window
	if reportType == ReportTypeDiseaseSurveillance {
		window = defaultWindow
		if w, ok := surveillanceWindows[priority]; ok {
			window = w
		}
	}

	return Deadline{
		Deadline:        base.Add(window),
		IsMandatory:     policy.mandatory,
		Confidentiality: policy.confidentiality,
	}
}
