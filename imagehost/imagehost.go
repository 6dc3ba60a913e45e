// Package imagehost stores uploaded images in a GitHub repository and serves
// them through the jsdelivr CDN.
package imagehost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ErrNotConfigured is returned when no upload token is set.
var ErrNotConfigured = errors.New("github token not configured")

// MaxImageBytes caps one upload.
const MaxImageBytes = 5 * 1024 * 1024

var allowedMimeTypes = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

// IsAllowedMimeType reports whether the content type is an accepted image.
func IsAllowedMimeType(mimeType string) bool {
	_, ok := allowedMimeTypes[mimeType]
	return ok
}

type GithubHostSettings struct {
	Token  string
	Owner  string
	Repo   string
	Branch string

	RequestTimeout time.Duration
}

func DefaultGithubHostSettings() *GithubHostSettings {
	return &GithubHostSettings{
		Branch:         "images",
		RequestTimeout: 30 * time.Second,
	}
}

// GithubHost uploads via the contents API, one commit per image.
type GithubHost struct {
	client *http.Client

	settings *GithubHostSettings
}

func NewGithubHost(settings *GithubHostSettings) *GithubHost {
	return &GithubHost{
		client: &http.Client{
			Timeout: settings.RequestTimeout,
		},
		settings: settings,
	}
}

func (self *GithubHost) IsConfigured() bool {
	return self.settings.Token != "" && self.settings.Owner != "" && self.settings.Repo != ""
}

// uniqueFilename keeps uploads collision free without a coordination point.
// The suffix is the entropy end of a ulid, so two uploads in the same
// millisecond still get distinct names.
func uniqueFilename(originalName string, mimeType string) string {
	id := strings.ToLower(ulid.Make().String())
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), id[len(id)-8:], fileExtension(originalName, mimeType))
}

// fileExtension prefers the original name's extension, falls back to the
// mime type, then to .png.
func fileExtension(originalName string, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(originalName)); ext != "" {
		return ext
	}
	if ext, ok := allowedMimeTypes[mimeType]; ok {
		return ext
	}
	return ".png"
}

type contentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
}

type contentsError struct {
	Message string `json:"message"`
}

// Upload pushes the image and returns its CDN URL.
func (self *GithubHost) Upload(ctx context.Context, image []byte, originalName string, mimeType string) (string, error) {
	if !self.IsConfigured() {
		return "", ErrNotConfigured
	}
	if MaxImageBytes < len(image) {
		return "", fmt.Errorf("image too large: %d bytes", len(image))
	}
	if !IsAllowedMimeType(mimeType) {
		return "", fmt.Errorf("invalid file type %q. Only images are allowed", mimeType)
	}

	fileName := uniqueFilename(originalName, mimeType)
	path := "images/" + fileName

	body, err := json.Marshal(&contentsRequest{
		Message: fmt.Sprintf("Upload image: %s", fileName),
		Content: base64.StdEncoding.EncodeToString(image),
		Branch:  self.settings.Branch,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf(
		"https://api.github.com/repos/%s/%s/contents/%s",
		self.settings.Owner,
		self.settings.Repo,
		path,
	)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+self.settings.Token)
	request.Header.Set("Accept", "application/vnd.github.v3+json")
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	response, err := self.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		apiError := &contentsError{}
		json.NewDecoder(response.Body).Decode(apiError)
		message := apiError.Message
		if message == "" {
			message = "Unknown error"
		}
		glog.Infof("[imagehost]upload error = %d %s\n", response.StatusCode, message)
		return "", fmt.Errorf("github api error: %d - %s", response.StatusCode, message)
	}

	cdnUrl := fmt.Sprintf(
		"https://cdn.jsdelivr.net/gh/%s/%s@%s/%s",
		self.settings.Owner,
		self.settings.Repo,
		self.settings.Branch,
		path,
	)
	return cdnUrl, nil
}
