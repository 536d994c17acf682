package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RESTPublisher writes derived entity states into Home Assistant's state
// machine through POST /api/states/<entity_id>.
type RESTPublisher struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRESTPublisher creates a publisher. wsURL may be the WebSocket endpoint
// (ws://host:8123/api/websocket); it is rewritten to the HTTP base.
func NewRESTPublisher(wsURL, token string, logger *zap.Logger) (*RESTPublisher, error) {
	base, err := restBase(wsURL)
	if err != nil {
		return nil, err
	}
	return &RESTPublisher{
		baseURL:    base,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("ha.rest"),
	}, nil
}

func restBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid Home Assistant URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api/websocket")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

type statePayload struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// PublishState creates or replaces the state of entityID.
func (p *RESTPublisher) PublishState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error {
	body, err := json.Marshal(statePayload{State: state, Attributes: attributes})
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	endpoint := p.baseURL + "/api/states/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("publish %s: unexpected status %d", entityID, resp.StatusCode)
	}

	p.logger.Debug("Published state",
		zap.String("entity_id", entityID),
		zap.String("state", state))
	return nil
}
