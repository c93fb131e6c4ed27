package capability

// RiskLevel represents the security risk level of a requirement set.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"none", "low", "medium", "high", "critical"}

func (l RiskLevel) String() string {
	if l >= 0 && int(l) < len(riskNames) {
		return riskNames[l]
	}
	return "unknown"
}

// RiskReport contains the overall risk assessment for a set of requirements.
type RiskReport struct {
	RiskFactors []RiskFactor
	Level       RiskLevel
}

// RiskFactor describes a single risk element.
type RiskFactor struct {
	Description string
	Rule        string
	Level       RiskLevel
}

// AnalyzeRisk grades a requirement set for presentation to an approver.
func AnalyzeRisk(reqs Requirements) RiskReport {
	report := RiskReport{Level: RiskNone}

	addFactor := func(level RiskLevel, desc string, r Requirement) {
		if level == RiskNone {
			return
		}
		report.RiskFactors = append(report.RiskFactors, RiskFactor{
			Level:       level,
			Description: desc,
			Rule:        r.String(),
		})
		if level > report.Level {
			report.Level = level
		}
	}

	for _, r := range reqs {
		switch r.Kind {
		case KindNetwork:
			if r.IsBroad() {
				addFactor(RiskCritical, "Unrestricted network access", r)
			} else {
				addFactor(RiskMedium, "Outbound network access", r)
			}
		case KindFSWrite:
			if r.IsBroad() {
				addFactor(RiskCritical, "Write access to the whole filesystem", r)
			} else {
				addFactor(RiskHigh, "Filesystem write access", r)
			}
		case KindFSRead:
			if r.IsBroad() {
				addFactor(RiskHigh, "Read access to the whole filesystem", r)
			} else {
				addFactor(RiskMedium, "Filesystem read access", r)
			}
		case KindEnv:
			if r.IsBroad() {
				addFactor(RiskHigh, "Access to every environment variable", r)
			} else {
				addFactor(RiskLow, "Environment variable access", r)
			}
		}
	}
	return report
}
