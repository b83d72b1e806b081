package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Graph API error codes that indicate a transient condition worth retrying.
const (
	graphCodeRateLimit     = 130429
	graphCodeSpamRate      = 131048
	graphCodeServiceError  = 131000
	graphCodeTemporaryBlck = 131056
)

// SendError is a Cloud API rejection. Transient tells the caller whether a
// retry with the same payload can succeed.
type SendError struct {
	HTTPStatus int
	Graph      GraphError
	Transient  bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("whatsapp api error %d (http %d): %s", e.Graph.Code, e.HTTPStatus, e.Graph.Message)
}

// CloudClient talks to the WhatsApp Business Cloud (Graph) API.
type CloudClient struct {
	baseURL     string
	version     string
	accessToken string
	client      *http.Client
}

func NewClient(baseURL, version, accessToken string, timeout time.Duration) Client {
	return &CloudClient{
		baseURL:     baseURL,
		version:     version,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *CloudClient) SendTemplate(ctx context.Context, phoneNumberID, to, templateName, languageCode string, parameters []string) (*SendResult, error) {
	payload := sendTemplateRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template: templatePayload{
			Name:     templateName,
			Language: templateLanguage{Code: languageCode},
		},
	}

	if len(parameters) > 0 {
		component := templateComponent{Type: "body"}
		for _, p := range parameters {
			component.Parameters = append(component.Parameters, templateParameter{Type: "text", Text: p})
		}
		payload.Template.Components = []templateComponent{component}
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, phoneNumberID)

	var result sendMessageResponse
	if err := c.postJSON(ctx, endpoint, payload, &result); err != nil {
		return nil, err
	}

	if len(result.Messages) == 0 {
		return nil, fmt.Errorf("whatsapp api returned no message id")
	}

	res := &SendResult{ProviderMessageID: result.Messages[0].ID}
	if len(result.Contacts) > 0 {
		res.RecipientWaID = result.Contacts[0].WaID
	}
	return res, nil
}

func (c *CloudClient) GetMediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, mediaID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	var info MediaInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode media response: %w", err)
	}
	return &info, nil
}

func (c *CloudClient) postJSON(ctx context.Context, endpoint string, payload, result interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &SendError{
			HTTPStatus: status,
			Graph:      GraphError{Message: fmt.Sprintf("unparseable error response: %s", truncate(body, 256))},
			Transient:  isTransientStatus(status),
		}
	}

	return &SendError{
		HTTPStatus: status,
		Graph:      errResp.Error,
		Transient:  isTransientStatus(status) || isTransientCode(errResp.Error.Code),
	}
}

func isTransientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func isTransientCode(code int) bool {
	switch code {
	case graphCodeRateLimit, graphCodeSpamRate, graphCodeServiceError, graphCodeTemporaryBlck:
		return true
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
