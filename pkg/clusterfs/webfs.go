package clusterfs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// WebFS talks to a WebHDFS-compatible metadata endpoint.
type WebFS struct {
	base string
	http *http.Client
}

// NewWebFS creates a filesystem client for the given base URL, e.g.
// "http://namenode:9870".
func NewWebFS(base string) *WebFS {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &WebFS{
		base: strings.TrimRight(base, "/"),
		http: rc.StandardClient(),
	}
}

// URI returns the filesystem's base URI.
func (w *WebFS) URI() string {
	return w.base
}

// Exists reports whether path exists.
func (w *WebFS) Exists(path string) (bool, error) {
	resp, err := w.http.Get(w.opURL(path, "GETFILESTATUS"))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: unexpected status %s", path, resp.Status)
	}
}

// ListStatus lists the direct children of dir.
func (w *WebFS) ListStatus(dir string) ([]FileStatus, error) {
	resp, err := w.http.Get(w.opURL(dir, "LISTSTATUS"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: unexpected status %s", dir, resp.Status)
	}

	var body struct {
		FileStatuses struct {
			FileStatus []struct {
				PathSuffix       string `json:"pathSuffix"`
				Length           int64  `json:"length"`
				Type             string `json:"type"`
				ModificationTime int64  `json:"modificationTime"`
			} `json:"FileStatus"`
		} `json:"FileStatuses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list %s: decode response: %w", dir, err)
	}

	statuses := make([]FileStatus, 0, len(body.FileStatuses.FileStatus))
	for _, fs := range body.FileStatuses.FileStatus {
		statuses = append(statuses, FileStatus{
			Path:    strings.TrimRight(dir, "/") + "/" + fs.PathSuffix,
			Size:    fs.Length,
			IsDir:   fs.Type == "DIRECTORY",
			ModTime: time.UnixMilli(fs.ModificationTime),
		})
	}
	return statuses, nil
}

func (w *WebFS) opURL(path, op string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return w.base + "/webhdfs/v1" + path + "?op=" + op
}
