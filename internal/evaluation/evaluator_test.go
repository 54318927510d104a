package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/query"
	"github.com/contract-insights/backend/internal/synthesis"
)

type scriptedService struct {
	ingested []string
	answers  map[string]*query.Result
}

func (s *scriptedService) Ingest(_ context.Context, _ string, _ []byte, _, filename string) (string, error) {
	s.ingested = append(s.ingested, filename)
	return "id-" + filename, nil
}

func (s *scriptedService) Query(_ context.Context, _, question string) (*query.Result, error) {
	res, ok := s.answers[question]
	if !ok {
		return nil, errors.New("embedding provider down")
	}
	return res, nil
}

func cited(ids ...string) *query.Result {
	res := &query.Result{State: query.StateCompleted}
	for i, id := range ids {
		res.Citations = append(res.Citations, synthesis.Citation{Number: i + 1, DocumentID: id, Relevance: 0.9 - float64(i)/10})
	}
	return res
}

func TestRunScoresRetrieval(t *testing.T) {
	svc := &scriptedService{answers: map[string]*query.Result{
		"termination notice?": cited("id-msa.txt", "id-supply.txt"),
		"payment terms?":      cited("id-msa.txt", "id-supply.txt"),
		"liability cap?":      cited("id-supply.txt"),
		"governing law?":      {State: query.StateNoEvidence},
		"arbitration seat?":   {State: query.StateNoEvidence},
		"insurance limits?":   cited("id-msa.txt"),
	}}
	dataset := &Dataset{
		UserID: "eval",
		Documents: []Document{
			{Key: "msa", Filename: "msa.txt", Text: "..."},
			{Filename: "supply.txt", Text: "..."},
		},
		Items: []Item{
			{Question: "termination notice?", ExpectedDocument: "msa"},
			{Question: "payment terms?", ExpectedDocument: "supply.txt"},
			{Question: "liability cap?", ExpectedDocument: "msa"},
			{Question: "governing law?", ExpectNoEvidence: true},
			{Question: "arbitration seat?", ExpectedDocument: "msa"},
			{Question: "insurance limits?", ExpectNoEvidence: true},
			{Question: "unknown?", ExpectedDocument: "msa"},
		},
	}

	report, err := NewEvaluator(svc).Run(context.Background(), dataset)
	require.NoError(t, err)

	assert.Equal(t, []string{"msa.txt", "supply.txt"}, svc.ingested)
	assert.Equal(t, 7, report.TotalQueries)
	assert.Equal(t, 5, report.Answerable)
	assert.Equal(t, 2, report.Unanswerable)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 2, report.Hits)
	assert.Equal(t, 0.4, report.HitRate)
	// (1 + 1/2) / 5
	assert.Equal(t, 0.3, report.MRR)
	assert.Equal(t, 2, report.NoEvidenceSeen)
	assert.Equal(t, 0.5, report.NoEvidencePrecision)
	assert.Equal(t, 0.5, report.NoEvidenceRecall)

	require.Len(t, report.Items, 7)
	assert.Equal(t, 2, report.Items[1].Rank)
	assert.False(t, report.Items[2].Correct)
	assert.True(t, report.Items[3].Correct)
	assert.Equal(t, "failed", report.Items[6].State)
	assert.Contains(t, GenerateReport(report), "Hit rate: 40.0% (2/5)")
}

func TestRunStopsWhenCorpusCannotBeIngested(t *testing.T) {
	svc := &failingIngest{}
	_, err := NewEvaluator(svc).Run(context.Background(), &Dataset{
		Documents: []Document{{Filename: "broken.pdf"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.pdf")
}

type failingIngest struct{ scriptedService }

func (failingIngest) Ingest(context.Context, string, []byte, string, string) (string, error) {
	return "", errors.New("unreadable")
}

func TestLoadDatasetFromJSON(t *testing.T) {
	ds, err := LoadDatasetFromJSON([]byte(`{
		"documents": [{"key": "msa", "filename": "msa.txt", "text": "terms"}],
		"items": [
			{"question": "termination notice?", "expected_document": "msa"},
			{"question": "governing law?", "expect_no_evidence": true}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "evaluation", ds.UserID)
	assert.Len(t, ds.Items, 2)

	_, err = LoadDatasetFromJSON([]byte(`{"items": [{"question": "orphan?"}]}`))
	assert.Error(t, err)

	_, err = LoadDatasetFromJSON([]byte(`{`))
	assert.Error(t, err)
}
