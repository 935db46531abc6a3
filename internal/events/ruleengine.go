package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
	"github.com/crawlcore/crawlcore/internal/models"
)

// HTTPRuleEngineDispatcher implements interfaces.RuleEngine by forwarding
// the event batch to an external rule-evaluation endpoint. Rule
// definitions and their storage belong to the surrounding application
//; this core only triggers evaluation the same
// way it only triggers webhook delivery.
type HTTPRuleEngineDispatcher struct {
	client   *http.Client
	endpoint string
	logger   arbor.ILogger
}

func NewHTTPRuleEngineDispatcher(endpoint string, logger arbor.ILogger) *HTTPRuleEngineDispatcher {
	return &HTTPRuleEngineDispatcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: endpoint,
		logger:   logger,
	}
}

var _ interfaces.RuleEngine = (*HTTPRuleEngineDispatcher)(nil)

func (d *HTTPRuleEngineDispatcher) Evaluate(ctx context.Context, bookmarkID string, events []models.RuleEngineEvent) error {
	if d.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{"bookmark_id": bookmarkID, "events": events})
	if err != nil {
		return fmt.Errorf("marshal rule engine body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rule engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch rule engine evaluation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("rule engine endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// RuleEngineHandler adapts a RuleEngine collaborator to the queue.Handler
// shape for the rule_engine queue.
type RuleEngineHandler struct {
	engine interfaces.RuleEngine
}

func NewRuleEngineHandler(engine interfaces.RuleEngine) *RuleEngineHandler {
	return &RuleEngineHandler{engine: engine}
}

func (h *RuleEngineHandler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.RuleEnginePayload
	if err := models.ValidatePayload(job.Payload, &payload); err != nil {
		return err
	}
	return h.engine.Evaluate(ctx, payload.BookmarkID, payload.Events)
}
