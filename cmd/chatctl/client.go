package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	anonCookieName    = "formchat_anon"
	sessionHeaderName = "X-Formchat-Session-ID"
)

// client talks to a formchat server as one browser session. The identity
// cookie is kept in a file so consecutive invocations share a user.
type client struct {
	baseURL    string
	sessionID  string
	cookieFile string
	http       *http.Client
}

func (c *client) loadCookie() string {
	if c.cookieFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.cookieFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *client) saveCookie(resp *http.Response) {
	if c.cookieFile == "" {
		return
	}
	for _, ck := range resp.Cookies() {
		if ck.Name != anonCookieName || ck.Value == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(c.cookieFile), 0o700); err != nil {
			return
		}
		_ = os.WriteFile(c.cookieFile, []byte(ck.Value), 0o600)
	}
}

func (c *client) do(method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(sessionHeaderName, c.sessionID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.loadCookie(); token != "" {
		req.AddCookie(&http.Cookie{Name: anonCookieName, Value: token})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	c.saveCookie(resp)
	return resp, nil
}

// apiError reads the JSON error body of a failed response.
func apiError(resp *http.Response) error {
	var body struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if len(body.Missing) > 0 {
		return fmt.Errorf("%s (missing: %s)", body.Error, strings.Join(body.Missing, ", "))
	}
	return errors.New(body.Error)
}

func (c *client) json(method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.do(method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) upload(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(http.MethodPost, "/api/form/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	var out map[string]any
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// chat sends prompt and calls onText with the reply so far after every
// fragment. It returns the final reply.
func (c *client) chat(prompt string, onText func(string), onTool func(string)) (string, error) {
	data, err := json.Marshal(map[string]string{"message": prompt})
	if err != nil {
		return "", err
	}
	resp, err := c.do(http.MethodPost, "/api/chat", "application/json", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apiError(resp)
	}

	for ev, err := range readEvents(resp.Body) {
		if err != nil {
			return "", err
		}
		switch ev.Name {
		case "delta":
			var d struct {
				Text string `json:"text"`
			}
			if json.Unmarshal([]byte(ev.Data), &d) == nil && onText != nil {
				onText(d.Text)
			}
		case "tool":
			var t struct {
				Description string `json:"description"`
			}
			if json.Unmarshal([]byte(ev.Data), &t) == nil && onTool != nil {
				onTool(t.Description)
			}
		case "error":
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal([]byte(ev.Data), &e)
			return "", fmt.Errorf("chat failed: %s", e.Error)
		case "done":
			var d struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return "", fmt.Errorf("invalid done event: %w", err)
			}
			return d.Message.Content, nil
		}
	}
	return "", errors.New("stream ended without a reply")
}

func (c *client) export(format string) (string, error) {
	resp, err := c.do(http.MethodGet, "/api/chat/export?format="+format, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}
