package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/config"
)

// EventRecord is the denormalized document pushed to the search index. It is
// built from the redacted values only; the unredacted payload never reaches
// the index.
type EventRecord struct {
	Organization string   `json:"organization"`
	ID           string   `json:"id"`
	TextIDs      []string `json:"textids"`
	Timestamp    *int64   `json:"timestamp"`
	Type         string   `json:"type"`
	Action       string   `json:"action"`
	Source       string   `json:"source"`
	Status       string   `json:"status"`
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// indexFor scopes the index name by organization so each org queries its own
// slice of the data
func (c *ElasticClient) indexFor(organizationID string) string {
	return config.FormatIndex(c.config, c.config.Index) + "-" + organizationID
}

// IndexEvent indexes an event record in Elasticsearch
func (c *ElasticClient) IndexEvent(ctx context.Context, organizationID string, record *EventRecord) error {
	log.Info().Str("event_id", record.ID).Msg("indexing event")

	docJSON, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event record")
	}

	req := esapi.IndexRequest{
		Index:      c.indexFor(organizationID),
		DocumentID: record.ID,
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("event_id", record.ID).Msg("event indexed successfully")
	return nil
}

// UpdateEventStatus patches the status field of an indexed event record
func (c *ElasticClient) UpdateEventStatus(ctx context.Context, organizationID, eventID, status string) error {
	body := map[string]interface{}{
		"doc": map[string]interface{}{
			"status": status,
		},
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal status update")
	}

	req := esapi.UpdateRequest{
		Index:      c.indexFor(organizationID),
		DocumentID: eventID,
		Body:       bytes.NewReader(bodyJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch update request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch update error: %v", e)
	}

	return nil
}
