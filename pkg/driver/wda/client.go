package wda

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout = 3 * time.Second
	requestTimeout = 15 * time.Second
)

// Client is a minimal HTTP client for WebDriverAgent's probe surface. It
// deliberately does not carry session management, gestures, or element
// finding: this agent never drives a test, it only asks WDA whether it is
// alive and whether it can capture a screenshot.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new WDA client talking to localhost:port, with a
// connect timeout of 3s and an overall request timeout of 15s, per
// spec.md §4.6.
func NewClient(port uint16) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}
	return &Client{
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
	}
}

// Status returns WDA's /status response, used by WDAProbe to confirm the
// runner has finished booting.
func (c *Client) Status() (map[string]interface{}, error) {
	return c.get("/status")
}

// Healthcheck hits WDA's dedicated /wda/healthcheck endpoint. Unlike
// /status, which only reports process liveness, healthcheck exercises
// WDA's accessibility bridge. The supervisor's health loop polls Alive
// instead; Healthcheck backs the supervisor's cold-reset Healthcheck.
func (c *Client) Healthcheck() error {
	_, err := c.get("/wda/healthcheck")
	return err
}

// Screenshot captures the current screen as PNG.
func (c *Client) Screenshot() ([]byte, error) {
	resp, err := c.get("/screenshot")
	if err != nil {
		return nil, err
	}

	value, ok := resp["value"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid screenshot response")
	}
	data, err := base64Decode(value)
	if err != nil {
		return nil, err
	}
	if !isPNG(data) {
		return nil, fmt.Errorf("screenshot response did not decode to PNG data")
	}
	return data, nil
}

// ScreenshotOk reports whether a screenshot can currently be captured,
// without returning the image data. Part of spec.md §4.6's screenshotOk()
// probe.
func (c *Client) ScreenshotOk() bool {
	_, err := c.Screenshot()
	return err == nil
}

// Alive is spec.md §4.6's alive() predicate: status() succeeds and a
// screenshot can be captured. Used by the health loop, which needs more
// than process liveness to trust a WDA instance — status() alone can stay
// green while the accessibility bridge has wedged and screenshots time out.
func (c *Client) Alive() bool {
	if _, err := c.Status(); err != nil {
		return false
	}
	return c.ScreenshotOk()
}

func (c *Client) get(path string) (map[string]interface{}, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return c.parseResponse(resp)
}

func (c *Client) parseResponse(resp *http.Response) (map[string]interface{}, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}

	if value, ok := result["value"].(map[string]interface{}); ok {
		if errMsg, ok := value["error"].(string); ok {
			message := errMsg
			if msg, ok := value["message"].(string); ok {
				message = msg
			}
			return nil, fmt.Errorf("WDA error: %s", message)
		}
	}

	return result, nil
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func isPNG(data []byte) bool {
	if len(data) < len(pngMagic) {
		return false
	}
	for i, b := range pngMagic {
		if data[i] != b {
			return false
		}
	}
	return true
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
