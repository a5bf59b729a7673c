package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ValentinKolb/dMQ/rpc/protocol"
)

// PollClient talks to a PollServer: it opens a session, posts messages and
// fetches the replies with poll requests
type PollClient struct {
	baseURL *url.URL
	client  *http.Client
	info    SessionInfo
}

// NewPollClient creates a client for the server at baseURL (e.g. http://host:8080)
func NewPollClient(baseURL string, idleTimeout time.Duration) (*PollClient, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	// Create client with default transport
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     idleTimeout,
		},
	}
	return &PollClient{baseURL: parsedURL, client: client}, nil
}

// Session returns the info of the opened session
func (c *PollClient) Session() SessionInfo {
	return c.info
}

// Open creates a session on the server
func (c *PollClient) Open(ctx context.Context, contentType string) error {
	query := url.Values{}
	if contentType != "" {
		query.Set("content_type", contentType)
	}
	resp, err := c.do(ctx, http.MethodPost, c.endpoint("session", query), nil)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("http error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(&c.info)
}

// Send posts one message to the session
func (c *PollClient) Send(ctx context.Context, payload []byte) error {
	resp, err := c.do(ctx, http.MethodPost, c.endpoint("session/"+c.info.Session, nil), payload)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)

	// Check if the response status code is OK
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("http error: %s", resp.Status)
	}
	return nil
}

// Poll waits up to timeout for queued messages. It returns their payloads and
// whether the server holds more.
func (c *PollClient) Poll(ctx context.Context, timeout time.Duration, count int) ([][]byte, bool, error) {
	query := url.Values{}
	query.Set("timeout", timeout.String())
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("session/"+c.info.Session+"/poll", query), nil)
	if err != nil {
		return nil, false, err
	}
	defer c.closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusOK:
	default:
		return nil, false, fmt.Errorf("http error: %s", resp.Status)
	}

	// Read the response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	msgs, err := protocol.NewHeaderSizeProtocol(0).Receive(body)
	if err != nil {
		return nil, false, err
	}
	payloads := make([][]byte, len(msgs))
	for i, m := range msgs {
		payloads[i] = m.Payload()
	}
	more, _ := strconv.ParseBool(resp.Header.Get(MoreHeader))
	return payloads, more, nil
}

// Close deletes the session and releases idle connections
func (c *PollClient) Close(ctx context.Context) error {
	defer c.client.CloseIdleConnections()
	if c.info.Session == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("session/"+c.info.Session, nil), nil)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)
	c.info = SessionInfo{}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("http error: %s", resp.Status)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *PollClient) endpoint(path string, query url.Values) string {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *PollClient) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *PollClient) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		Logger.Errorf("Failed to close response body: %v", err)
	}
}
