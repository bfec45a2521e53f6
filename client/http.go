package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method  string // Method is the request method
	URL     string // URL is the request url
	Code    int    // Code is the response status
	Message string // Message is the "error" field of the body, if any
	Reason  string // Reason is the failure reason of a rejected write, if any
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: status %d: %s: %s", e.Method, e.URL, e.Code, e.Message, e.Reason)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// do sends a request and decodes a JSON response into result.
// Any status outside ok is returned as a *StatusError.
func do(hc *http.Client, req *http.Request, result any, ok ...int) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	for _, code := range ok {
		if resp.StatusCode == code {
			if result == nil {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(result)
		}
	}

	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return &StatusError{
		Method:  req.Method,
		URL:     req.URL.String(),
		Code:    resp.StatusCode,
		Message: body.Error,
		Reason:  body.Reason,
	}
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(hc *http.Client, url string, result any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	return do(hc, req, result, http.StatusOK)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func httpPostJSON(hc *http.Client, url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return do(hc, req, result, http.StatusOK, http.StatusAccepted)
}
