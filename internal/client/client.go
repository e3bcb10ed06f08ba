// Package client implements the HTTP client sw1nn-pkg-ctl drives the
// repository server with.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// Client talks to one repository server. A token is optional; without
// one only read endpoints will succeed on servers that enforce auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// kindForStatus recovers the error kind the server mapped onto a status
func kindForStatus(status int) models.ErrorKind {
	switch status {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest:
		return models.ErrInvalidPackage
	case http.StatusConflict:
		return models.ErrAlreadyExists
	case http.StatusRequestEntityTooLarge:
		return models.ErrPayloadTooLarge
	case http.StatusUnauthorized:
		return models.ErrUnauthorized
	case http.StatusForbidden:
		return models.ErrForbidden
	default:
		return models.ErrIo
	}
}

// do sends one request and decodes the JSON response into out (when out
// is non-nil). Non-2xx responses become tagged errors carrying the
// server's message.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return models.WrapError(models.ErrIo, err, "failed to build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.WrapError(models.ErrIo, err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		msg := fmt.Sprintf("server returned status %d", resp.StatusCode)
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
			msg = payload.Error
		}
		return models.NewError(kindForStatus(resp.StatusCode), "%s", msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.WrapError(models.ErrIo, err, "invalid server response")
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return models.WrapError(models.ErrIo, err, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

// List fetches package records, filtered by any non-empty argument.
func (c *Client) List(ctx context.Context, name, repo, arch string) ([]*models.Package, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if repo != "" {
		q.Set("repo", repo)
	}
	if arch != "" {
		q.Set("arch", arch)
	}
	path := "/api/packages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res struct {
		Packages []*models.Package `json:"packages"`
		Count    int               `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &res); err != nil {
		return nil, err
	}
	return res.Packages, nil
}

// Delete removes one package, optionally narrowed to a version or arch.
func (c *Client) Delete(ctx context.Context, name, repo, arch, version string) error {
	q := url.Values{}
	if repo != "" {
		q.Set("repo", repo)
	}
	if arch != "" {
		q.Set("arch", arch)
	}
	if version != "" {
		q.Set("version", version)
	}
	path := "/api/packages/" + url.PathEscape(name)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodDelete, path, nil, "", nil)
}

// VersionsDeleteResult reports a bulk version deletion
type VersionsDeleteResult struct {
	DeletedCount    int      `json:"deleted_count"`
	DeletedVersions []string `json:"deleted_versions"`
}

// DeleteVersions removes the versions of name matching the given specs.
// A spec is an exact version or a semver range like "^1.0.0".
func (c *Client) DeleteVersions(ctx context.Context, name string, specs []string, repo, arch string) (*VersionsDeleteResult, error) {
	payload := map[string]interface{}{"versions": specs}
	if repo != "" {
		payload["repo"] = repo
	}
	if arch != "" {
		payload["arch"] = arch
	}
	var res VersionsDeleteResult
	err := c.doJSON(ctx, http.MethodPost, "/api/packages/"+url.PathEscape(name)+"/versions/delete", payload, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CleanupDetail lists what retention removed for one package
type CleanupDetail struct {
	Name            string   `json:"name"`
	DeletedVersions []string `json:"deleted_versions"`
}

// CleanupResult reports a retention run
type CleanupResult struct {
	PackagesProcessed int             `json:"packages_processed"`
	VersionsDeleted   int             `json:"versions_deleted"`
	Details           []CleanupDetail `json:"details"`
}

// Cleanup runs version retention over packages matching pattern.
func (c *Client) Cleanup(ctx context.Context, pattern, repo, arch string) (*CleanupResult, error) {
	payload := map[string]interface{}{}
	if pattern != "" {
		payload["pattern"] = pattern
	}
	if repo != "" {
		payload["repo"] = repo
	}
	if arch != "" {
		payload["arch"] = arch
	}
	var res CleanupResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/packages/cleanup", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rebuild asks the server to regenerate one repo/arch database.
func (c *Client) Rebuild(ctx context.Context, repo, arch string) error {
	path := fmt.Sprintf("/api/repos/%s/os/%s/rebuild", url.PathEscape(repo), url.PathEscape(arch))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}
