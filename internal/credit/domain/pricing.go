package domain

// ReportCreditCost returns the report-credit price for analyzing
// processCount legal processes. The tier thresholds are fixed product
// pricing, not configuration.
func ReportCreditCost(processCount int) Amount {
	switch {
	case processCount <= 0:
		return 0
	case processCount <= 5:
		return QuarterCredit
	case processCount <= 12:
		return HalfCredit
	case processCount <= 25:
		return OneCredit
	default:
		// Whole credits, rounded up per started block of 25.
		blocks := (processCount + 24) / 25
		return Amount(blocks) * OneCredit
	}
}

// FullCreditCost returns the full-credit price: one credit per started block
// of 10 processes.
func FullCreditCost(processCount int) Amount {
	if processCount <= 0 {
		return 0
	}
	blocks := (processCount + 9) / 10
	return Amount(blocks) * OneCredit
}
