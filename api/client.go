package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/markpad/markpad/store"
)

type ClientSettings struct {
	// e.g. http://localhost:3001
	BaseUrl string
	// bearer token from Login; empty for open servers
	Token string

	RequestTimeout time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		BaseUrl:        "http://localhost:3001",
		RequestTimeout: 60 * time.Second,
	}
}

// Client speaks the envelope API from the CLI and from tests.
type Client struct {
	httpClient *http.Client

	settings *ClientSettings
}

func NewClient(settings *ClientSettings) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: settings.RequestTimeout,
		},
		settings: settings,
	}
}

func (self *Client) SetToken(token string) {
	self.settings.Token = token
}

// envelope decode with the data payload deferred
type clientEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Bypass  bool            `json:"bypass"`
}

func (self *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	request, err := http.NewRequestWithContext(ctx, method, self.settings.BaseUrl+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if self.settings.Token != "" {
		request.Header.Set("Authorization", "Bearer "+self.settings.Token)
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	var envelope clientEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: status %d", method, path, response.StatusCode)
	}
	if !envelope.Success {
		return fmt.Errorf("%s %s: %s", method, path, envelope.Error)
	}
	if out != nil && envelope.Data != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// Login trades the password for a bearer token and remembers it. Returns
// "" without error when the server has no password configured.
func (self *Client) Login(ctx context.Context, password string) (string, error) {
	buf, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		self.settings.BaseUrl+"/api/auth/verify",
		bytes.NewReader(buf),
	)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := self.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	var envelope clientEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("verify: status %d", response.StatusCode)
	}
	if !envelope.Success {
		return "", fmt.Errorf("verify: %s", envelope.Error)
	}
	if envelope.Bypass {
		return "", nil
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", err
	}
	self.settings.Token = data.Token
	return data.Token, nil
}

func (self *Client) ListDocuments(ctx context.Context) ([]*store.Document, error) {
	documents := []*store.Document{}
	if err := self.do(ctx, http.MethodGet, "/api/documents", nil, &documents); err != nil {
		return nil, err
	}
	return documents, nil
}

func (self *Client) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	document := &store.Document{}
	if err := self.do(ctx, http.MethodGet, "/api/documents/"+id, nil, document); err != nil {
		return nil, err
	}
	return document, nil
}

func (self *Client) CreateDocument(ctx context.Context, title string, content string) (*store.Document, error) {
	document := &store.Document{}
	request := map[string]string{"title": title, "content": content}
	if err := self.do(ctx, http.MethodPost, "/api/documents", request, document); err != nil {
		return nil, err
	}
	return document, nil
}

func (self *Client) UpdateDocument(ctx context.Context, id string, title string, content string) (*store.Document, error) {
	document := &store.Document{}
	request := map[string]string{"title": title, "content": content}
	if err := self.do(ctx, http.MethodPut, "/api/documents/"+id, request, document); err != nil {
		return nil, err
	}
	return document, nil
}

func (self *Client) DeleteDocument(ctx context.Context, id string) error {
	return self.do(ctx, http.MethodDelete, "/api/documents/"+id, nil, nil)
}

type Formats struct {
	Export []string `json:"export"`
	Import []string `json:"import"`
}

func (self *Client) ListFormats(ctx context.Context) (*Formats, error) {
	formats := &Formats{}
	if err := self.do(ctx, http.MethodGet, "/api/formats", nil, formats); err != nil {
		return nil, err
	}
	return formats, nil
}

// Export returns the converted bytes; non-JSON responses are the document
// itself.
func (self *Client) Export(ctx context.Context, markdown string, format string, filename string) ([]byte, error) {
	buf, err := json.Marshal(map[string]string{
		"content":  markdown,
		"format":   format,
		"filename": filename,
	})
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		self.settings.BaseUrl+"/api/export",
		bytes.NewReader(buf),
	)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if self.settings.Token != "" {
		request.Header.Set("Authorization", "Bearer "+self.settings.Token)
	}
	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") {
		var envelope clientEnvelope
		if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("export: status %d", response.StatusCode)
		}
		return nil, fmt.Errorf("export: %s", envelope.Error)
	}
	return io.ReadAll(response.Body)
}

func (self *Client) Import(ctx context.Context, input []byte, format string, filename string) (string, error) {
	request := map[string]string{
		"content":  base64.StdEncoding.EncodeToString(input),
		"format":   format,
		"filename": filename,
	}
	var data struct {
		Markdown string `json:"markdown"`
	}
	if err := self.do(ctx, http.MethodPost, "/api/import", request, &data); err != nil {
		return "", err
	}
	return data.Markdown, nil
}

// UploadImage posts one multipart image and returns its CDN URL.
func (self *Client) UploadImage(ctx context.Context, image []byte, filename string, mimeType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		self.settings.BaseUrl+"/api/upload",
		&body,
	)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	if self.settings.Token != "" {
		request.Header.Set("Authorization", "Bearer "+self.settings.Token)
	}
	response, err := self.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	var envelope clientEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("upload: status %d", response.StatusCode)
	}
	if !envelope.Success {
		return "", fmt.Errorf("upload: %s", envelope.Error)
	}
	var data struct {
		Url string `json:"url"`
	}
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", err
	}
	return data.Url, nil
}
