package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"

	"github.com/hsc-engineering/yardnode/internal/httpkit"
)

// BoardTypePlaceholder is replaced with the board short code in update
// URL templates.
const BoardTypePlaceholder = "%BOARD_TYPE%"

const (
	metadataExt   = ".json"
	filesystemExt = ".spiffs.bin"

	maxMetadataSize = 64 << 10
)

// ErrInvalidMetadata marks a metadata document that was fetched but could
// not be parsed.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Metadata describes a published release.
type Metadata struct {
	Version          string `json:"version"`
	Notes            string `json:"notes"`
	UpdateFilesystem bool   `json:"update_spiffs"`
	// Optional hex BLAKE3-256 digests of the images as served.
	FirmwareDigest   string `json:"firmware_blake3"`
	FilesystemDigest string `json:"spiffs_blake3"`
}

// ResolveURL substitutes the board short code into a URL template.
func ResolveURL(template, boardType string) string {
	return strings.ReplaceAll(template, BoardTypePlaceholder, boardType)
}

// DeriveURL replaces the extension of the URL's last path segment with
// ext, or appends ext when the segment has none.
func DeriveURL(imageURL, ext string) string {
	base, query := imageURL, ""
	if i := strings.IndexAny(imageURL, "?#"); i >= 0 {
		base, query = imageURL[:i], imageURL[i:]
	}
	slash := strings.LastIndex(base, "/")
	if dot := strings.LastIndex(base, "."); dot > slash {
		base = base[:dot]
	}
	return base + ext + query
}

// FetchMetadata downloads and parses the release metadata. Comments and
// trailing commas are tolerated.
func FetchMetadata(ctx context.Context, client *http.Client, metaURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metadata: HTTP %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(jsonc.ToJSON(raw), &md); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	return &md, nil
}

// CheckResult is the portal's firmware check response.
type CheckResult struct {
	CurrentVersion  string `json:"current_version"`
	RemoteVersion   string `json:"remote_version"`
	UpdateAvailable bool   `json:"update_available"`
	Notes           string `json:"notes"`
	NotesHTML       string `json:"notes_html,omitempty"`
}

// Check fetches the metadata for template and compares its version with
// current. Any difference counts as an available update, so a rollback
// published on the server is offered too.
func Check(ctx context.Context, client *http.Client, template, boardType, current string) (*CheckResult, error) {
	metaURL := DeriveURL(ResolveURL(template, boardType), metadataExt)
	md, err := FetchMetadata(ctx, client, metaURL)
	if err != nil {
		return nil, err
	}

	remote := md.Version
	if remote == "" {
		remote = "unknown"
	}
	res := &CheckResult{
		CurrentVersion:  current,
		RemoteVersion:   remote,
		UpdateAvailable: remote != current,
		Notes:           md.Notes,
	}
	if md.Notes != "" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(md.Notes), &buf); err == nil {
			res.NotesHTML = buf.String()
		}
	}
	return res, nil
}
