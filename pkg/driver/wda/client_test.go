package wda

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mockWDAServer creates a mock WDA server for testing.
func mockWDAServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// jsonResponse writes a JSON response.
func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func TestNewClient(t *testing.T) {
	client := NewClient(8100)

	if client.baseURL != "http://localhost:8100" {
		t.Errorf("Expected baseURL 'http://localhost:8100', got '%s'", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("Expected httpClient to be initialized")
	}
}

func TestStatus(t *testing.T) {
	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("Expected /status, got %s", r.URL.Path)
		}
		jsonResponse(w, map[string]interface{}{
			"value": map[string]interface{}{"state": "idle"},
		})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status == nil {
		t.Error("Expected status response")
	}
}

func TestStatusWDAError(t *testing.T) {
	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{
			"value": map[string]interface{}{
				"error":   "unknown error",
				"message": "session not started",
			},
		})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	if _, err := client.Status(); err == nil {
		t.Error("Expected error for WDA error response")
	}
}

func TestHealthcheck(t *testing.T) {
	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wda/healthcheck" {
			t.Errorf("Expected /wda/healthcheck, got %s", r.URL.Path)
		}
		jsonResponse(w, map[string]interface{}{"value": nil})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	if err := client.Healthcheck(); err != nil {
		t.Fatalf("Healthcheck failed: %v", err)
	}
}

func TestHealthcheckFailure(t *testing.T) {
	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{
			"value": map[string]interface{}{
				"error":   "unknown error",
				"message": "accessibility bridge not ready",
			},
		})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	if err := client.Healthcheck(); err == nil {
		t.Error("Expected error for failing healthcheck")
	}
}

// pngFixture is the minimal valid 8-byte PNG magic header followed by
// filler bytes, enough for isPNG's sniff but not a decodable image.
var pngFixture = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("filler")...)

func TestScreenshot(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(pngFixture)

	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/screenshot" {
			t.Errorf("Expected /screenshot, got %s", r.URL.Path)
		}
		jsonResponse(w, map[string]interface{}{"value": encoded})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	data, err := client.Screenshot()
	if err != nil {
		t.Fatalf("Screenshot failed: %v", err)
	}
	if string(data) != string(pngFixture) {
		t.Errorf("Expected %v, got %v", pngFixture, data)
	}
}

func TestScreenshotInvalidResponse(t *testing.T) {
	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"value": 123}) // not a string
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	if _, err := client.Screenshot(); err == nil {
		t.Error("Expected error for invalid screenshot response")
	}
}

func TestScreenshotNotPNG(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("not a png"))

	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{"value": encoded})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	if _, err := client.Screenshot(); err == nil {
		t.Error("Expected error for non-PNG screenshot payload")
	}
}

func TestWDAError(t *testing.T) {
	server := mockWDAServer(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]interface{}{
			"value": map[string]interface{}{
				"error":   "no such element",
				"message": "Element not found using xpath",
			},
		})
	})
	defer server.Close()

	client := &Client{baseURL: server.URL, httpClient: http.DefaultClient}

	_, err := client.Status()
	if err == nil {
		t.Error("Expected error for WDA error response")
	}
	if err != nil && err.Error() != "WDA error: Element not found using xpath" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestBase64Decode(t *testing.T) {
	original := "Hello World"
	encoded := base64.StdEncoding.EncodeToString([]byte(original))

	decoded, err := base64Decode(encoded)
	if err != nil {
		t.Fatalf("base64Decode failed: %v", err)
	}
	if string(decoded) != original {
		t.Errorf("Expected '%s', got '%s'", original, string(decoded))
	}
}

func TestBase64DecodeInvalid(t *testing.T) {
	_, err := base64Decode("not valid base64!!!")
	if err == nil {
		t.Error("Expected error for invalid base64")
	}
}

func TestIsPNG(t *testing.T) {
	if !isPNG(pngFixture) {
		t.Error("expected pngFixture to be recognized as PNG")
	}
	if isPNG([]byte("too short")) {
		t.Error("did not expect short non-PNG data to be recognized")
	}
	if isPNG([]byte("not png at all, long enough")) {
		t.Error("did not expect arbitrary text to be recognized as PNG")
	}
}
