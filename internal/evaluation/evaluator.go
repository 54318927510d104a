// Package evaluation measures retrieval quality against a labelled question set.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/query"
	"github.com/contract-insights/backend/pkg/logger"
)

// Service is the slice of contracts.Service the evaluator drives.
type Service interface {
	Ingest(ctx context.Context, userID string, data []byte, mimeType, filename string) (string, error)
	Query(ctx context.Context, userID, question string) (*query.Result, error)
}

type Dataset struct {
	UserID    string     `json:"user_id"`
	Documents []Document `json:"documents"`
	Items     []Item     `json:"items"`
}

// Document is a corpus file. Key is what items refer to in ExpectedDocument.
type Document struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Path     string `json:"path,omitempty"`
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"-"`
}

type Item struct {
	Question         string `json:"question"`
	ExpectedDocument string `json:"expected_document,omitempty"`
	ExpectNoEvidence bool   `json:"expect_no_evidence,omitempty"`
	Category         string `json:"category,omitempty"`
}

type ItemResult struct {
	Question string  `json:"question"`
	Category string  `json:"category,omitempty"`
	State    string  `json:"state"`
	Rank     int     `json:"rank"`
	TopScore float64 `json:"top_score"`
	Correct  bool    `json:"correct"`
	Error    string  `json:"error,omitempty"`
}

type Report struct {
	TotalQueries   int `json:"total_queries"`
	Answerable     int `json:"answerable"`
	Unanswerable   int `json:"unanswerable"`
	Errors         int `json:"errors"`
	Hits           int `json:"hits"`
	NoEvidenceSeen int `json:"no_evidence_returned"`
	// NoEvidenceRight counts no_evidence results on unanswerable items.
	NoEvidenceRight int `json:"no_evidence_correct"`

	HitRate             float64 `json:"hit_rate"`
	MRR                 float64 `json:"mrr"`
	NoEvidencePrecision float64 `json:"no_evidence_precision"`
	NoEvidenceRecall    float64 `json:"no_evidence_recall"`

	Items []ItemResult `json:"items"`
}

type Evaluator struct {
	service Service
}

func NewEvaluator(service Service) *Evaluator {
	return &Evaluator{service: service}
}

// Run ingests the dataset's documents and asks every question. A hit means
// the expected document appears among the citations; its rank feeds MRR.
func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running dataset evaluation",
		zap.Int("documents", len(dataset.Documents)),
		zap.Int("items", len(dataset.Items)))

	ids := make(map[string]string, len(dataset.Documents))
	for _, doc := range dataset.Documents {
		data := doc.Data
		if data == nil {
			data = []byte(doc.Text)
		}
		id, err := e.service.Ingest(ctx, dataset.UserID, data, doc.MIMEType, doc.Filename)
		if err != nil {
			return nil, fmt.Errorf("ingest %s: %w", doc.Filename, err)
		}
		key := doc.Key
		if key == "" {
			key = doc.Filename
		}
		ids[key] = id
	}

	report := &Report{TotalQueries: len(dataset.Items)}
	var reciprocal float64

	for i, item := range dataset.Items {
		logger.Debug("Evaluating item", zap.Int("index", i+1), zap.Int("total", len(dataset.Items)))

		out := ItemResult{Question: item.Question, Category: item.Category}
		if item.ExpectNoEvidence {
			report.Unanswerable++
		} else {
			report.Answerable++
		}

		res, err := e.service.Query(ctx, dataset.UserID, item.Question)
		if err != nil {
			logger.Warn("Evaluation query failed", zap.String("question", item.Question), zap.Error(err))
			report.Errors++
			out.State = string(query.StateFailed)
			out.Error = err.Error()
			report.Items = append(report.Items, out)
			continue
		}

		out.State = string(res.State)
		if len(res.Citations) > 0 {
			out.TopScore = res.Citations[0].Relevance
		}

		if res.NoEvidence() {
			report.NoEvidenceSeen++
			if item.ExpectNoEvidence {
				report.NoEvidenceRight++
			}
		}

		if item.ExpectNoEvidence {
			out.Correct = res.NoEvidence()
		} else {
			want := ids[item.ExpectedDocument]
			for j, c := range res.Citations {
				if want != "" && c.DocumentID == want {
					out.Rank = j + 1
					break
				}
			}
			if out.Rank > 0 {
				report.Hits++
				reciprocal += 1 / float64(out.Rank)
				out.Correct = true
			}
		}
		report.Items = append(report.Items, out)
	}

	report.HitRate = ratio(report.Hits, report.Answerable)
	report.MRR = round(reciprocal / math.Max(1, float64(report.Answerable)))
	report.NoEvidencePrecision = ratio(report.NoEvidenceRight, report.NoEvidenceSeen)
	report.NoEvidenceRecall = ratio(report.NoEvidenceRight, report.Unanswerable)

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("mrr", report.MRR),
		zap.Float64("no_evidence_precision", report.NoEvidencePrecision),
	)
	return report, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round(float64(n) / float64(d))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func LoadDatasetFromJSON(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	if dataset.UserID == "" {
		dataset.UserID = "evaluation"
	}
	for i, item := range dataset.Items {
		if item.Question == "" {
			return nil, fmt.Errorf("item %d has no question", i)
		}
		if !item.ExpectNoEvidence && item.ExpectedDocument == "" {
			return nil, fmt.Errorf("item %d needs expected_document or expect_no_evidence", i)
		}
	}
	return &dataset, nil
}

func GenerateReport(report *Report) string {
	return fmt.Sprintf(`
Evaluation Report
=================

Total Queries: %d (answerable %d, unanswerable %d, errors %d)

Retrieval:
- Hit rate: %.1f%% (%d/%d)
- MRR: %.3f

No evidence:
- Returned: %d
- Precision: %.1f%%
- Recall: %.1f%%
`,
		report.TotalQueries, report.Answerable, report.Unanswerable, report.Errors,
		report.HitRate*100, report.Hits, report.Answerable,
		report.MRR,
		report.NoEvidenceSeen,
		report.NoEvidencePrecision*100,
		report.NoEvidenceRecall*100,
	)
}
