// Package update performs the two-stage remote update: an optional page
// filesystem image, then the firmware image.
//
// The firmware stage always runs once metadata has been read, whatever
// happened to the filesystem stage; a node with stale pages but fresh
// firmware is recoverable, the reverse often is not. Only a successful
// firmware install asks for a reboot, so one restart covers both images.
package update

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/httpkit"
	"github.com/hsc-engineering/yardnode/internal/metrics"
)

// Error codes, following the conventions of embedded HTTP updaters.
// Non-200 responses use the HTTP status as the code.
const (
	CodeConnection = -1
	CodeTooLarge   = -100
	CodeEmpty      = -102
	CodeDigest     = -104
	CodeInstall    = -106
)

// Error is a failed image fetch or install.
type Error struct {
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update error %d: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("update error %d: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Filesystem is the page filesystem the first stage replaces.
type Filesystem interface {
	Unmount()
	Mount() error
	Install(r io.Reader) error
}

// Options configures a Coordinator.
type Options struct {
	BoardType string
	// FirmwarePath is where the new executable is installed.
	FirmwarePath string
	// MaxImageSize bounds each download.
	MaxImageSize int64

	Client     *http.Client
	Filesystem Filesystem
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Result summarises one update run.
type Result struct {
	Metadata      *Metadata
	MetadataErr   error
	FilesystemRan bool
	FilesystemErr error
	FirmwareErr   error
	// Reboot is set only after a successful firmware install.
	Reboot bool
}

// Coordinator runs updates. It is used from the device loop only.
type Coordinator struct {
	opts Options
}

// NewClient returns the HTTP client used for update traffic: no overall
// timeout, certificate checks skipped, short retry for a radio that has
// only just associated.
func NewClient(logger *slog.Logger) *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTLSInsecureSkipVerify(),
		httpkit.WithRetry(3, time.Second),
		httpkit.WithLogger(logger),
	)
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = NewClient(opts.Logger)
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = 64 << 20
	}
	return &Coordinator{opts: opts}
}

// Run performs an update from template. It blocks for the whole
// download.
func (c *Coordinator) Run(ctx context.Context, template string) Result {
	logger := c.opts.Logger
	var res Result

	if template == "" {
		res.MetadataErr = errors.New("no update URL configured")
		logger.Error("update skipped", "error", res.MetadataErr)
		return res
	}

	fwURL := ResolveURL(template, c.opts.BoardType)
	metaURL := DeriveURL(fwURL, metadataExt)
	logger.Info("update started", "firmware_url", fwURL, "metadata_url", metaURL)

	md, err := FetchMetadata(ctx, c.opts.Client, metaURL)
	c.stage("metadata", err)
	if err != nil {
		res.MetadataErr = err
		logger.Error("update aborted, metadata unavailable", "url", metaURL, "error", err)
		return res
	}
	res.Metadata = md
	logger.Info("update metadata", "version", md.Version, "update_filesystem", md.UpdateFilesystem)

	if md.UpdateFilesystem && c.opts.Filesystem != nil {
		res.FilesystemRan = true
		fsURL := DeriveURL(fwURL, filesystemExt)
		res.FilesystemErr = c.flashFilesystem(ctx, fsURL, md.FilesystemDigest)
		c.stage("filesystem", res.FilesystemErr)
	}

	res.FirmwareErr = c.flashFirmware(ctx, fwURL, md.FirmwareDigest)
	c.stage("firmware", res.FirmwareErr)
	if res.FirmwareErr != nil {
		var ue *Error
		code := 0
		if errors.As(res.FirmwareErr, &ue) {
			code = ue.Code
		}
		logger.Error("firmware update failed, keeping current image",
			"code", code,
			"error", res.FirmwareErr,
		)
		return res
	}

	logger.Info("firmware update installed", "version", md.Version, "path", c.opts.FirmwarePath)
	res.Reboot = true
	return res
}

func (c *Coordinator) stage(name string, err error) {
	c.opts.Metrics.UpdateStage(name, err)
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	c.opts.Bus.Emit(events.SourceUpdate, events.KindUpdateStage, map[string]any{
		"stage":  name,
		"status": status,
	})
}

// flashFilesystem replaces the page filesystem. The previous contents
// are remounted on any failure.
func (c *Coordinator) flashFilesystem(ctx context.Context, url, digest string) error {
	logger := c.opts.Logger
	logger.Info("filesystem update started", "url", url)

	fs := c.opts.Filesystem
	fs.Unmount()
	remount := func() {
		if err := fs.Mount(); err != nil {
			logger.Error("page filesystem remount failed", "error", err)
		}
	}

	tmp, err := os.CreateTemp("", "yardnode-pages-*")
	if err != nil {
		remount()
		return &Error{Code: CodeInstall, Msg: "create staging file", Err: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := c.download(ctx, url, digest, tmp); err != nil {
		logger.Error("filesystem update failed", "url", url, "error", err)
		remount()
		return err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		remount()
		return &Error{Code: CodeInstall, Msg: "rewind image", Err: err}
	}
	if err := fs.Install(tmp); err != nil {
		logger.Error("filesystem install failed", "error", err)
		remount()
		return &Error{Code: CodeInstall, Msg: "install filesystem image", Err: err}
	}

	remount()
	logger.Info("filesystem update installed")
	return nil
}

// flashFirmware stages the image next to FirmwarePath and renames it
// into place.
func (c *Coordinator) flashFirmware(ctx context.Context, url, digest string) error {
	logger := c.opts.Logger
	logger.Info("firmware update started", "url", url)

	dir := filepath.Dir(c.opts.FirmwarePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Code: CodeInstall, Msg: "create firmware dir", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".yardnode-staged-*")
	if err != nil {
		return &Error{Code: CodeInstall, Msg: "create staging file", Err: err}
	}
	staged := tmp.Name()
	defer os.Remove(staged)

	n, err := c.download(ctx, url, digest, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = &Error{Code: CodeInstall, Msg: "write staged image", Err: cerr}
	}
	if err != nil {
		return err
	}

	if err := os.Chmod(staged, 0o755); err != nil {
		return &Error{Code: CodeInstall, Msg: "mark image executable", Err: err}
	}
	if err := os.Rename(staged, c.opts.FirmwarePath); err != nil {
		return &Error{Code: CodeInstall, Msg: "install image", Err: err}
	}
	logger.Debug("firmware image written", "bytes", n)
	return nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// download fetches url into w, verifying the optional digest over the
// bytes as served and transparently inflating gzip images.
func (c *Coordinator) download(ctx context.Context, url, digest string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &Error{Code: CodeConnection, Msg: "build request", Err: err}
	}
	// Asking explicitly keeps the transport from inflating behind our
	// back, so the digest covers what the server sent.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return 0, &Error{Code: CodeConnection, Msg: "connection failed", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return 0, &Error{
			Code: resp.StatusCode,
			Msg:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256)),
		}
	}
	if resp.ContentLength == 0 {
		return 0, &Error{Code: CodeEmpty, Msg: "server sent an empty image"}
	}
	if resp.ContentLength > c.opts.MaxImageSize {
		return 0, &Error{Code: CodeTooLarge, Msg: fmt.Sprintf("image is %d bytes, limit %d", resp.ContentLength, c.opts.MaxImageSize)}
	}

	var hasher hash.Hash = blake3.New()
	body := bufio.NewReader(io.TeeReader(io.LimitReader(resp.Body, c.opts.MaxImageSize+1), hasher))

	var src io.Reader = body
	magic, _ := body.Peek(len(gzipMagic))
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") || bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return 0, &Error{Code: CodeInstall, Msg: "open gzip image", Err: err}
		}
		defer zr.Close()
		src = zr
	}

	// The cap applies to what gets written, so a small gzip stream cannot
	// inflate past it.
	n, err := io.Copy(w, io.LimitReader(src, c.opts.MaxImageSize+1))
	if err != nil {
		return n, &Error{Code: CodeInstall, Msg: "write image", Err: err}
	}
	if n > c.opts.MaxImageSize {
		return n, &Error{Code: CodeTooLarge, Msg: fmt.Sprintf("image exceeds %d bytes", c.opts.MaxImageSize)}
	}
	// Drain whatever the decompressor left so the digest sees every byte.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return n, &Error{Code: CodeConnection, Msg: "read image", Err: err}
	}

	if n == 0 {
		return 0, &Error{Code: CodeEmpty, Msg: "image is empty"}
	}

	if digest != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, strings.TrimSpace(digest)) {
			return n, &Error{Code: CodeDigest, Msg: fmt.Sprintf("digest mismatch: got %s, want %s", got, digest)}
		}
	}
	return n, nil
}
