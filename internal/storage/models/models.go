package models

import "time"

type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// Rank orders risk levels; unknown values rank below Low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

type Status string

const (
	StatusActive     Status = "Active"
	StatusExpired    Status = "Expired"
	StatusRenewalDue Status = "RenewalDue"
)

type IngestionState string

const (
	StateReceived    IngestionState = "received"
	StateChunking    IngestionState = "chunking"
	StateEmbedding   IngestionState = "embedding"
	StateIndexing    IngestionState = "indexing"
	StateIndexed     IngestionState = "indexed"
	StateClassifying IngestionState = "classifying"
	StateReady       IngestionState = "ready"
	StateFailed      IngestionState = "failed"
)

// Queryable reports whether chunks of a document in this state may be retrieved.
func (s IngestionState) Queryable() bool {
	return s == StateIndexed || s == StateClassifying || s == StateReady
}

func (s IngestionState) Terminal() bool {
	return s == StateReady || s == StateFailed
}

type Document struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ContractName   string         `json:"contract_name"`
	Filename       string         `json:"filename"`
	SizeBytes      int64          `json:"size_bytes"`
	MIMEType       string         `json:"mime_type"`
	Parties        []string       `json:"parties"`
	UploadedAt     time.Time      `json:"uploaded_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartDate      *time.Time     `json:"start_date,omitempty"`
	ExpiryDate     *time.Time     `json:"expiry_date,omitempty"`
	Status         Status         `json:"status"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	IngestionState IngestionState `json:"ingestion_state"`
	IngestionError string         `json:"ingestion_error,omitempty"`
	Text           string         `json:"-"`
}

type ChunkMetadata struct {
	ContractName string `json:"contract_name"`
	Page         int    `json:"page"`
	ClauseType   string `json:"clause_type,omitempty"`
}

type Chunk struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	Index      int           `json:"index"`
	Text       string        `json:"text"`
	Page       int           `json:"page"`
	Offset     int           `json:"offset"`
	ClauseType string        `json:"clause_type,omitempty"`
	Embedding  []float32     `json:"-"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"created_at"`
}

type InsightType string

const (
	InsightRisk   InsightType = "risk"
	InsightClause InsightType = "clause"
)

type Insight struct {
	ID            string      `json:"id"`
	DocumentID    string      `json:"document_id"`
	Type          InsightType `json:"type"`
	Category      string      `json:"category"`
	Title         string      `json:"title"`
	Summary       string      `json:"summary"`
	Confidence    float64     `json:"confidence"`
	RiskLevel     RiskLevel   `json:"risk_level"`
	EvidenceText  string      `json:"evidence_text"`
	SourceSection string      `json:"source_section"`
	CreatedAt     time.Time   `json:"created_at"`
}

// DocumentFilter narrows ListDocuments. Zero values match everything.
type DocumentFilter struct {
	Status    Status
	RiskLevel RiskLevel
	Search    string
	Limit     int
}

type QueryRecord struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	QueryText   string        `json:"query_text"`
	Response    string        `json:"response"`
	State       string        `json:"state"`
	Confidence  float64       `json:"confidence"`
	ResultCount int           `json:"result_count"`
	LatencyMS   int           `json:"latency_ms"`
	CreatedAt   time.Time     `json:"created_at"`
	Sources     []QuerySource `json:"sources,omitempty"`
}

type QuerySource struct {
	ID         int     `json:"-"`
	QueryID    string  `json:"-"`
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Relevance  float64 `json:"relevance"`
}

// Stats summarises a user's portfolio for the dashboard.
type Stats struct {
	TotalContracts   int               `json:"total_contracts"`
	ActiveContracts  int               `json:"active_contracts"`
	HighRisk         int               `json:"high_risk"`
	ExpiringSoon     int               `json:"expiring_soon"`
	Expired          int               `json:"expired"`
	AverageRiskScore float64           `json:"average_risk_score"`
	ByRisk           map[RiskLevel]int `json:"by_risk"`
	ByState          map[string]int    `json:"by_state"`
	// StorageBytes is the total size of the uploaded files.
	StorageBytes int64 `json:"storage_bytes"`
}

// MaxRisk returns the highest of levels, or Low when there are none.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	best := RiskLow
	for _, l := range levels {
		if l.Rank() > best.Rank() {
			best = l
		}
	}
	return best
}

// OwnedChunk is a persisted chunk together with the owner and upload time of its
// document, as needed to rebuild a per-user index.
type OwnedChunk struct {
	UserID     string
	UploadedAt time.Time
	Chunk
}
