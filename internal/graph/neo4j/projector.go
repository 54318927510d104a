// Package neo4j mirrors analysed contracts into a property graph:
// (:User)-[:OWNS]->(:Contract)-[:HAS_CLAUSE]->(:ClauseType) and
// (:Contract)-[:HAS_RISK]->(:Risk).
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/pkg/circuitbreaker"
	"github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/retry"
)

const opTimeout = 10 * time.Second

type Projector struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewProjector(ctx context.Context, uri, username, password, database string) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}
	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j projector initialized", zap.String("uri", uri), zap.String("database", database))

	return &Projector{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (p *Projector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

func (p *Projector) Ping(ctx context.Context) error {
	return p.driver.VerifyConnectivity(ctx)
}

// Statement is one parameterised cypher write.
type Statement struct {
	Cypher string
	Params map[string]any
}

// ProjectStatements returns the writes that replace a contract's subgraph.
// The first statement drops the contract's previous clause and risk edges so
// a re-analysed document never keeps stale findings.
func ProjectStatements(doc *models.Document, found []models.Insight) []Statement {
	stmts := []Statement{
		{
			Cypher: `
				MERGE (u:User {id: $user_id})
				MERGE (c:Contract {id: $doc_id})
				SET c.name = $name,
				    c.status = $status,
				    c.risk_level = $risk_level,
				    c.parties = $parties,
				    c.updated_at = timestamp()
				MERGE (u)-[:OWNS]->(c)
				WITH c
				OPTIONAL MATCH (c)-[r:HAS_CLAUSE|HAS_RISK]->()
				DELETE r
			`,
			Params: map[string]any{
				"user_id":    doc.UserID,
				"doc_id":     doc.ID,
				"name":       doc.ContractName,
				"status":     string(doc.Status),
				"risk_level": string(doc.RiskLevel),
				"parties":    doc.Parties,
			},
		},
	}

	for _, in := range found {
		switch in.Type {
		case models.InsightClause:
			stmts = append(stmts, Statement{
				Cypher: `
					MATCH (c:Contract {id: $doc_id})
					MERGE (t:ClauseType {name: $category})
					MERGE (c)-[r:HAS_CLAUSE]->(t)
					SET r.confidence = $confidence,
					    r.section = $section,
					    r.summary = $summary
				`,
				Params: map[string]any{
					"doc_id":     doc.ID,
					"category":   in.Category,
					"confidence": in.Confidence,
					"section":    in.SourceSection,
					"summary":    in.Summary,
				},
			})
		case models.InsightRisk:
			stmts = append(stmts, Statement{
				Cypher: `
					MATCH (c:Contract {id: $doc_id})
					MERGE (k:Risk {code: $category})
					SET k.title = $title
					MERGE (c)-[r:HAS_RISK]->(k)
					SET r.level = $level,
					    r.confidence = $confidence,
					    r.section = $section
				`,
				Params: map[string]any{
					"doc_id":     doc.ID,
					"category":   in.Category,
					"title":      in.Title,
					"level":      string(in.RiskLevel),
					"confidence": in.Confidence,
					"section":    in.SourceSection,
				},
			})
		}
	}
	return stmts
}

// Project writes doc and its insights in a single transaction.
func (p *Projector) Project(ctx context.Context, doc *models.Document, found []models.Insight) error {
	stmts := ProjectStatements(doc, found)
	err := p.write(ctx, func(tx neo4j.ManagedTransaction) error {
		for _, s := range stmts {
			if _, err := tx.Run(ctx, s.Cypher, s.Params); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to project contract: %w", err)
	}

	logger.Debug("Contract projected",
		zap.String("doc_id", doc.ID),
		zap.Int("statements", len(stmts)),
	)
	return nil
}

// Remove deletes the contract node and its edges. Shared ClauseType and Risk
// nodes stay.
func (p *Projector) Remove(ctx context.Context, userID, documentID string) error {
	err := p.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			MATCH (:User {id: $user_id})-[:OWNS]->(c:Contract {id: $doc_id})
			DETACH DELETE c
		`, map[string]any{"user_id": userID, "doc_id": documentID})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove contract: %w", err)
	}
	return nil
}

// ClauseCounts returns how many of the user's contracts carry each clause type.
func (p *Projector) ClauseCounts(ctx context.Context, userID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := p.cb.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		session := p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: p.database, AccessMode: neo4j.AccessModeRead})
		defer session.Close(ctx)

		result, err := session.Run(ctx, `
			MATCH (:User {id: $user_id})-[:OWNS]->(:Contract)-[:HAS_CLAUSE]->(t:ClauseType)
			RETURN t.name AS name, count(*) AS contracts
		`, map[string]any{"user_id": userID})
		if err != nil {
			return err
		}
		for result.Next(ctx) {
			record := result.Record()
			name, _ := record.Get("name")
			n, _ := record.Get("contracts")
			if s, ok := name.(string); ok {
				if c, ok := n.(int64); ok {
					counts[s] = int(c)
				}
			}
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count clauses: %w", err)
	}
	return counts, nil
}

func (p *Projector) write(ctx context.Context, work func(tx neo4j.ManagedTransaction) error) error {
	return p.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, p.retryConfig, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, opTimeout)
			defer cancel()

			session := p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: p.database})
			defer session.Close(ctx)

			_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				return nil, work(tx)
			})
			return err
		})
	})
}
