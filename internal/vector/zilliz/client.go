package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
)

const maxTextBytes = 8192

var outputFields = []string{"chunk_id", "user_id", "document_id", "chunk_index", "text", "page", "clause_type", "contract_name", "uploaded_at"}

// Client is a vector.Index backed by a Milvus or Zilliz Cloud collection.
// Tenancy is enforced with a user_id filter on every search and delete.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

var _ vector.Index = (*Client)(nil)

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.EnableTLSAuth = true
	}
	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Dimension() int { return z.vectorDim }

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		coll, err := z.client.DescribeCollection(ctx, z.collectionName)
		if err != nil {
			return fmt.Errorf("failed to describe collection: %w", err)
		}
		for _, f := range coll.Schema.Fields {
			if f.Name == "embedding" && f.TypeParams["dim"] != strconv.Itoa(z.vectorDim) {
				return vector.CheckDimension(z.vectorDim, make([]float32, atoiOrZero(f.TypeParams["dim"])))
			}
		}
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	varchar := func(name string, maxLen int, pk bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: pk,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Contract chunk embeddings",
		Fields: []*entity.Field{
			varchar("chunk_id", 128, true),
			varchar("user_id", 256, false),
			varchar("document_id", 128, false),
			{Name: "chunk_index", DataType: entity.FieldTypeInt64},
			varchar("text", maxTextBytes, false),
			{Name: "page", DataType: entity.FieldTypeInt64},
			varchar("clause_type", 64, false),
			varchar("contract_name", 512, false),
			{Name: "uploaded_at", DataType: entity.FieldTypeInt64},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Upsert deletes the document's previous entries and inserts the new ones.
// Milvus offers no multi-row transaction; documents being re-indexed are
// hidden from queries by their ingestion state until the swap completes.
func (z *Client) Upsert(ctx context.Context, userID, documentID string, entries []vector.Entry) error {
	for _, e := range entries {
		if err := vector.CheckDimension(z.vectorDim, e.Vector); err != nil {
			return err
		}
	}
	if err := z.DeleteDocument(ctx, userID, documentID); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	n := len(entries)
	chunkIDs := make([]string, n)
	userIDs := make([]string, n)
	docIDs := make([]string, n)
	indices := make([]int64, n)
	texts := make([]string, n)
	pages := make([]int64, n)
	clauses := make([]string, n)
	names := make([]string, n)
	uploaded := make([]int64, n)
	embeddings := make([][]float32, n)

	for i, e := range entries {
		chunkIDs[i] = e.ChunkID
		userIDs[i] = userID
		docIDs[i] = documentID
		indices[i] = int64(e.ChunkIndex)
		texts[i] = truncate(e.Text, maxTextBytes)
		pages[i] = int64(e.Page)
		clauses[i] = e.ClauseType
		names[i] = truncate(e.ContractName, 512)
		uploaded[i] = e.UploadedAt.UnixNano()
		embeddings[i] = e.Vector
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("user_id", userIDs),
		entity.NewColumnVarChar("document_id", docIDs),
		entity.NewColumnInt64("chunk_index", indices),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnInt64("page", pages),
		entity.NewColumnVarChar("clause_type", clauses),
		entity.NewColumnVarChar("contract_name", names),
		entity.NewColumnInt64("uploaded_at", uploaded),
		entity.NewColumnFloatVector("embedding", z.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB", zap.String("doc_id", documentID), zap.Int("count", n))
	return nil
}

func (z *Client) DeleteDocument(ctx context.Context, userID, documentID string) error {
	expr := fmt.Sprintf("user_id == %s && document_id == %s", strconv.Quote(userID), strconv.Quote(documentID))
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

func (z *Client) Search(ctx context.Context, userID string, query []float32, limit int) ([]vector.Candidate, error) {
	if err := vector.CheckDimension(z.vectorDim, query); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []vector.Candidate{}, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}
	expr := "user_id == " + strconv.Quote(userID)

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		"embedding",
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.Candidate, 0, limit)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			c, err := candidateAt(sr, i)
			if err != nil {
				return nil, err
			}
			if c.Entry.DocumentID == "" {
				continue
			}
			results = append(results, c)
		}
	}
	vector.Sort(results)

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func candidateAt(sr client.SearchResult, i int) (vector.Candidate, error) {
	str := func(name string) (string, error) {
		col := sr.Fields.GetColumn(name)
		if col == nil {
			return "", fmt.Errorf("search result missing column %s", name)
		}
		return col.GetAsString(i)
	}
	num := func(name string) (int64, error) {
		col := sr.Fields.GetColumn(name)
		if col == nil {
			return 0, fmt.Errorf("search result missing column %s", name)
		}
		return col.GetAsInt64(i)
	}

	var (
		c   vector.Candidate
		err error
	)
	if c.ChunkID, err = str("chunk_id"); err != nil {
		return c, err
	}
	if c.DocumentID, err = str("document_id"); err != nil {
		return c, err
	}
	if c.Text, err = str("text"); err != nil {
		return c, err
	}
	if c.ClauseType, err = str("clause_type"); err != nil {
		return c, err
	}
	if c.ContractName, err = str("contract_name"); err != nil {
		return c, err
	}
	idx, err := num("chunk_index")
	if err != nil {
		return c, err
	}
	page, err := num("page")
	if err != nil {
		return c, err
	}
	uploaded, err := num("uploaded_at")
	if err != nil {
		return c, err
	}
	c.ChunkIndex = int(idx)
	c.Page = int(page)
	c.UploadedAt = time.Unix(0, uploaded)
	c.Score = float64(sr.Scores[i])
	return c, nil
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
