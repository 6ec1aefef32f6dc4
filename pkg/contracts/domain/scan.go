package domain

// ScanVerdict is the structured result of a content-classification request.
// It carries no license state; the scanner only shares the transport layer.
type ScanVerdict struct {
	IsMalicious     bool    `json:"is_malicious"`
	ConfidenceScore float64 `json:"confidence_score" validate:"min=0,max=1"`
	Reason          string  `json:"reason,omitempty"`
	ThreatType      string  `json:"threat_type,omitempty"`
}

// SafeScanVerdict is the verdict returned when the classifier is
// unreachable or replies with garbage. Callers must never fail because the
// scanner is down, so degradation is explicit and benign.
func SafeScanVerdict(reason string) ScanVerdict {
	return ScanVerdict{
		IsMalicious:     false,
		ConfidenceScore: 0,
		Reason:          reason,
	}
}
