package insights

import (
	"fmt"

	"github.com/contract-insights/backend/internal/storage/models"
)

const (
	RiskMissingForceMajeure = "missing_force_majeure"
	RiskUnlimitedLiability  = "unlimited_liability"
	RiskLiabilityCapFees    = "liability_cap_tied_to_fees"
	RiskShortNotice         = "short_termination_notice"
	RiskAutoRenewal         = "automatic_renewal"
	RiskLongPaymentTerms    = "long_payment_terms"
	RiskNoLiabilityClause   = "no_liability_clause"

	shortNoticeDays  = 30
	longPaymentDays  = 60
	contractLikeMin  = 2
	noEvidenceSource = "Entire document"
)

type riskFinding struct {
	code     string
	title    string
	summary  string
	level    models.RiskLevel
	strength int
	evidence evidence
}

// evaluateRules applies the risk rules in a fixed order. detected is the number
// of clause categories found; absence rules only fire for documents that look
// like contracts.
func evaluateRules(findings map[string]*finding, detected int) []riskFinding {
	var out []riskFinding
	contractLike := detected >= contractLikeMin
	absent := evidence{section: noEvidenceSource}

	if _, ok := findings[CategoryForceMajeure]; !ok && contractLike {
		out = append(out, riskFinding{
			code:     RiskMissingForceMajeure,
			title:    "Missing Force Majeure Clause",
			summary:  "No force majeure clause was found; performance obligations are not excused for events outside the parties' control.",
			level:    models.RiskHigh,
			strength: detected,
			evidence: absent,
		})
	}

	if f, ok := findings[CategoryLiability]; ok {
		if ev, n := matching(f, unlimitedLiability.MatchString); n > 0 {
			out = append(out, riskFinding{
				code:     RiskUnlimitedLiability,
				title:    "Unlimited Liability",
				summary:  "Liability is uncapped, exposing the parties to unlimited damages.",
				level:    models.RiskHigh,
				strength: n + 1,
				evidence: ev,
			})
		} else if ev, n := matching(f, liabilityCapFees.MatchString); n > 0 {
			out = append(out, riskFinding{
				code:     RiskLiabilityCapFees,
				title:    "Liability Cap Tied to Fees",
				summary:  "Liability is capped at an amount derived from fees, which may be low relative to potential losses.",
				level:    models.RiskMedium,
				strength: n,
				evidence: ev,
			})
		}
	}

	if f, ok := findings[CategoryTermination]; ok {
		if days, ok := noticeDays(f); ok && days < shortNoticeDays {
			ev, _ := matching(f, noticeWord.MatchString)
			out = append(out, riskFinding{
				code:     RiskShortNotice,
				title:    "Short Termination Notice",
				summary:  fmt.Sprintf("The contract can be terminated on %d days' notice, less than %d days.", days, shortNoticeDays),
				level:    models.RiskMedium,
				strength: 2,
				evidence: ev,
			})
		}
	}

	if f, ok := findings[CategoryRenewal]; ok {
		if ev, n := matching(f, autoRenewal.MatchString); n > 0 {
			out = append(out, riskFinding{
				code:     RiskAutoRenewal,
				title:    "Automatic Renewal",
				summary:  "The contract renews automatically unless notice is given.",
				level:    models.RiskMedium,
				strength: n + 1,
				evidence: ev,
			})
		}
	}

	if f, ok := findings[CategoryPayment]; ok {
		if days, ok := paymentDays(f); ok && days > longPaymentDays {
			ev, _ := matching(f, paymentDue.MatchString)
			out = append(out, riskFinding{
				code:     RiskLongPaymentTerms,
				title:    "Long Payment Terms",
				summary:  fmt.Sprintf("Payment is due within %d days, longer than %d days.", days, longPaymentDays),
				level:    models.RiskMedium,
				strength: 2,
				evidence: ev,
			})
		}
	}

	if _, ok := findings[CategoryLiability]; !ok && contractLike {
		out = append(out, riskFinding{
			code:     RiskNoLiabilityClause,
			title:    "No Liability Clause",
			summary:  "The contract does not allocate or limit liability.",
			level:    models.RiskMedium,
			strength: detected,
			evidence: absent,
		})
	}

	return out
}

// matching returns the first matching evidence and the number of matches.
func matching(f *finding, match func(string) bool) (evidence, int) {
	var (
		first evidence
		n     int
	)
	for _, m := range f.matches {
		if !match(m.sentence) {
			continue
		}
		if n == 0 {
			first = m
		}
		n++
	}
	return first, n
}
