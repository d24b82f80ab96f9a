// internal/search/indexer.go
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"poolguarantee/internal/common/database"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/models"
)

const applicationsIndex = "guarantee-applications"

// applicationsMapping keys the fields the reporting queries filter and sort
// on; everything else stays dynamically mapped.
const applicationsMapping = `{
	"mappings": {
		"properties": {
			"requestId":       {"type": "keyword"},
			"currentStage":    {"type": "integer"},
			"status":          {"type": "keyword"},
			"guaranteeAmount": {"type": "keyword"},
			"tradeValue":      {"type": "keyword"},
			"lastUpdated":     {"type": "date"}
		}
	}
}`

// Indexer pushes closed and terminated applications into Elasticsearch for
// reporting. Like notifications, indexing is best-effort relative to the
// lifecycle: the registry stays authoritative.
type Indexer struct {
	es  *database.ElasticsearchClient
	log logger.Logger
}

func NewIndexer(es *database.ElasticsearchClient, log logger.Logger) *Indexer {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Indexer{es: es, log: log}
}

// Bootstrap creates the applications index on first run.
func (i *Indexer) Bootstrap(ctx context.Context) error {
	if i.es == nil {
		return nil
	}
	return i.es.EnsureIndex(ctx, applicationsIndex, applicationsMapping)
}

// IndexApplication writes the application document keyed by requestId.
func (i *Indexer) IndexApplication(ctx context.Context, app models.Application) error {
	if i.es == nil {
		return nil
	}

	body, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode application document: %w", err)
	}

	res, err := i.es.Client.Index(
		applicationsIndex,
		bytes.NewReader(body),
		i.es.Client.Index.WithDocumentID(app.RequestID),
		i.es.Client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index application %s: %w", app.RequestID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index application %s: %s", app.RequestID, res.Status())
	}

	i.log.Debug("application indexed", map[string]interface{}{
		"request_id": app.RequestID,
		"stage":      int(app.CurrentStage),
	})
	return nil
}
