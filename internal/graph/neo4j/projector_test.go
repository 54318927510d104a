package neo4j

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/storage/models"
)

func TestProjectStatements(t *testing.T) {
	doc := &models.Document{
		ID:           "doc-1",
		UserID:       "user-1",
		ContractName: "Acme MSA",
		Status:       models.StatusActive,
		RiskLevel:    models.RiskHigh,
		Parties:      []string{"Acme Corp", "Globex Inc"},
	}
	found := []models.Insight{
		{Type: models.InsightClause, Category: "termination", Confidence: 0.8, SourceSection: "2. Termination"},
		{Type: models.InsightRisk, Category: "missing_force_majeure", Title: "No force majeure", RiskLevel: models.RiskHigh},
	}

	stmts := ProjectStatements(doc, found)
	require.Len(t, stmts, 3)

	assert.Contains(t, stmts[0].Cypher, "MERGE (u)-[:OWNS]->(c)")
	assert.Contains(t, stmts[0].Cypher, "DELETE r")
	assert.Equal(t, "user-1", stmts[0].Params["user_id"])
	assert.Equal(t, "High", stmts[0].Params["risk_level"])

	assert.Contains(t, stmts[1].Cypher, "HAS_CLAUSE")
	assert.Equal(t, "termination", stmts[1].Params["category"])
	assert.Equal(t, "2. Termination", stmts[1].Params["section"])

	assert.Contains(t, stmts[2].Cypher, "HAS_RISK")
	assert.Equal(t, "High", stmts[2].Params["level"])

	for _, s := range stmts {
		assert.Equal(t, "doc-1", s.Params["doc_id"])
		assert.False(t, strings.Contains(s.Cypher, "doc-1"), "values must be parameters")
	}
}

func TestProjectStatementsWithoutInsights(t *testing.T) {
	stmts := ProjectStatements(&models.Document{ID: "d", UserID: "u"}, nil)
	assert.Len(t, stmts, 1)
}
