package insights

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/storage/models"
)

func chunksOf(texts ...string) []models.Chunk {
	out := make([]models.Chunk, len(texts))
	for i, t := range texts {
		out[i] = models.Chunk{ID: t[:min(len(t), 8)], DocumentID: "doc-1", Index: i, Text: t, Page: 1}
	}
	return out
}

func byCategory(ins []models.Insight) map[string]models.Insight {
	out := make(map[string]models.Insight)
	for _, in := range ins {
		out[in.Category] = in
	}
	return out
}

var msa = chunksOf(
	"MASTER SERVICES AGREEMENT This Master Services Agreement is entered into between Acme Corp and Globex Inc, effective January 1, 2024.",
	"2. Payment. Client shall pay all invoices within 30 days of receipt.",
	"3. Termination. Either party may terminate this agreement with 90 days written notice to the other party.",
	"4. Governing Law. This agreement is governed by the laws of the State of New York.",
)

func TestConfidenceCalibration(t *testing.T) {
	assert.Equal(t, 0.5, Confidence(0))
	assert.Equal(t, 0.5, Confidence(1))
	assert.Equal(t, 0.73, Confidence(2))
	assert.Equal(t, 0.85, Confidence(3))
	for s := 1; s < 20; s++ {
		c := Confidence(s)
		assert.GreaterOrEqual(t, c, 0.5)
		assert.LessOrEqual(t, c, 1.0)
		assert.GreaterOrEqual(t, Confidence(s+1), c)
	}
}

func TestClassifyDetectsClausesAndRisks(t *testing.T) {
	ins := NewClassifier().Classify("doc-1", msa)
	got := byCategory(ins)

	term, ok := got[CategoryTermination]
	require.True(t, ok)
	assert.Equal(t, models.InsightClause, term.Type)
	assert.Equal(t, "Termination requires 90 days' notice.", term.Summary)
	assert.Equal(t, "3. Termination", term.SourceSection)
	assert.Contains(t, term.EvidenceText, "90 days written notice")
	assert.Equal(t, models.RiskLow, term.RiskLevel)

	pay, ok := got[CategoryPayment]
	require.True(t, ok)
	assert.Equal(t, "Payment is due within 30 days.", pay.Summary)

	assert.NotContains(t, got, CategoryConfidentiality)
	assert.NotContains(t, got, RiskShortNotice)
	assert.NotContains(t, got, RiskLongPaymentTerms)

	fm, ok := got[RiskMissingForceMajeure]
	require.True(t, ok)
	assert.Equal(t, models.RiskHigh, fm.RiskLevel)
	assert.Equal(t, models.InsightRisk, fm.Type)

	nl, ok := got[RiskNoLiabilityClause]
	require.True(t, ok)
	assert.Equal(t, models.RiskMedium, nl.RiskLevel)

	assert.Equal(t, models.RiskHigh, AggregateRisk(ins))
	for _, in := range ins {
		assert.GreaterOrEqual(t, in.Confidence, 0.0)
		assert.LessOrEqual(t, in.Confidence, 1.0)
		assert.True(t, in.RiskLevel.Valid())
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewClassifier()
	first := c.Classify("doc-1", msa)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Classify("doc-1", msa))
	}
	other := c.Classify("doc-2", msa)
	require.Len(t, other, len(first))
	assert.NotEqual(t, first[0].ID, other[0].ID)
}

func TestRiskRules(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		code  string
		level models.RiskLevel
	}{
		{
			name:  "unlimited liability",
			text:  "Supplier shall have unlimited liability for any breach. Supplier shall indemnify Customer.",
			code:  RiskUnlimitedLiability,
			level: models.RiskHigh,
		},
		{
			name:  "cap tied to fees",
			text:  "Each party's total liability shall not exceed the fees paid in the twelve months preceding the claim.",
			code:  RiskLiabilityCapFees,
			level: models.RiskMedium,
		},
		{
			name:  "short notice",
			text:  "Either party may terminate this agreement on fourteen (14) days notice.",
			code:  RiskShortNotice,
			level: models.RiskMedium,
		},
		{
			name:  "automatic renewal",
			text:  "This agreement shall automatically renew for successive one year terms.",
			code:  RiskAutoRenewal,
			level: models.RiskMedium,
		},
		{
			name:  "long payment terms",
			text:  "Customer shall pay each invoice within ninety days of receipt.",
			code:  RiskLongPaymentTerms,
			level: models.RiskMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := byCategory(NewClassifier().Classify("doc", chunksOf(tt.text)))
			in, ok := got[tt.code]
			require.True(t, ok, "expected %s in %v", tt.code, got)
			assert.Equal(t, tt.level, in.RiskLevel)
			assert.NotEmpty(t, in.EvidenceText)
		})
	}
}

func TestAbsenceRulesNeedContractLikeText(t *testing.T) {
	got := NewClassifier().Classify("doc", chunksOf("Please pay the attached invoice."))
	assert.NotContains(t, byCategory(got), RiskMissingForceMajeure)
	assert.NotContains(t, byCategory(got), RiskNoLiabilityClause)
	assert.Equal(t, models.RiskLow, AggregateRisk(got))
}

func TestAggregateRiskEmptyIsLow(t *testing.T) {
	assert.Equal(t, models.RiskLow, AggregateRisk(nil))
	assert.Equal(t, models.RiskMedium, AggregateRisk([]models.Insight{{RiskLevel: models.RiskLow}, {RiskLevel: models.RiskMedium}}))
}

func TestClauseType(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, CategoryTermination, c.ClauseType(msa[2].Text))
	assert.Equal(t, CategoryPayment, c.ClauseType(msa[1].Text))
	assert.Equal(t, CategoryGoverningLaw, c.ClauseType(msa[3].Text))
	assert.Equal(t, "", c.ClauseType("Provider shall deliver the services."))
}

func TestExtractMetadata(t *testing.T) {
	text := "This Master Services Agreement is entered into between Acme Corp, a Delaware corporation, and Globex Inc, effective January 1, 2024. " +
		"The initial term of this agreement is two years."
	md := ExtractMetadata(text)

	assert.Equal(t, []string{"Acme Corp", "Globex Inc"}, md.Parties)
	require.NotNil(t, md.StartDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *md.StartDate)
	require.NotNil(t, md.ExpiryDate)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *md.ExpiryDate)

	explicit := ExtractMetadata("This agreement is effective as of 2023-03-15 and expires on December 31, 2025.")
	require.NotNil(t, explicit.ExpiryDate)
	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), *explicit.ExpiryDate)
	assert.Equal(t, time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC), *explicit.StartDate)

	none := ExtractMetadata("Notes from the meeting.")
	assert.Empty(t, none.Parties)
	assert.Nil(t, none.StartDate)
	assert.Nil(t, none.ExpiryDate)
}

func TestLifecycleStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	assert.Equal(t, models.StatusActive, LifecycleStatus(nil, now))
	assert.Equal(t, models.StatusExpired, LifecycleStatus(at(0), now))
	assert.Equal(t, models.StatusExpired, LifecycleStatus(at(-time.Hour), now))
	assert.Equal(t, models.StatusRenewalDue, LifecycleStatus(at(30*24*time.Hour), now))
	assert.Equal(t, models.StatusActive, LifecycleStatus(at(200*24*time.Hour), now))
}

func TestSourceSectionFromHeadingLine(t *testing.T) {
	chunks := chunksOf(
		"MASTER SERVICES AGREEMENT\n2. Termination\nEither party may terminate this agreement with 90 days written notice.",
		"Client shall pay all invoices within 30 days of receipt.",
	)
	chunks[1].Page = 3
	got := byCategory(NewClassifier().Classify("doc-1", chunks))

	require.Contains(t, got, CategoryTermination)
	assert.Equal(t, "2. Termination", got[CategoryTermination].SourceSection)
	assert.Equal(t, "Either party may terminate this agreement with 90 days written notice.", got[CategoryTermination].EvidenceText)
	require.Contains(t, got, CategoryPayment)
	assert.Equal(t, "Page 3", got[CategoryPayment].SourceSection)
}
