package stitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// downloadParallelism bounds concurrent segment downloads.
const downloadParallelism = 4

// FFmpegComposer downloads segments and joins them with the ffmpeg concat
// demuxer without re-encoding.
type FFmpegComposer struct {
	// Bin is the ffmpeg executable.
	Bin string
	// WorkDir holds per-composition temp dirs; empty uses the OS default.
	WorkDir string
	Client  *http.Client
}

// NewFFmpegComposer creates a composer running bin.
func NewFFmpegComposer(bin, workDir string) *FFmpegComposer {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegComposer{
		Bin:     bin,
		WorkDir: workDir,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *FFmpegComposer) Name() string { return "ffmpeg" }

func (c *FFmpegComposer) Compose(ctx context.Context, segments []Segment) (*Output, error) {
	dir, err := os.MkdirTemp(c.WorkDir, "stitch-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	cleanup := func() error { return os.RemoveAll(dir) }

	files := make([]string, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadParallelism)
	for i, s := range segments {
		files[i] = filepath.Join(dir, fmt.Sprintf("seg-%04d%s", i, segmentExt(s.Ref)))
		g.Go(func() error {
			return c.fetch(gctx, s.Ref, files[i])
		})
	}
	if err := g.Wait(); err != nil {
		_ = cleanup()
		return nil, err
	}

	list := filepath.Join(dir, "concat.txt")
	var lb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&lb, "file '%s'\n", strings.ReplaceAll(f, "'", `'\''`))
	}
	if err := os.WriteFile(list, []byte(lb.String()), 0o600); err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("write concat list: %w", err)
	}

	out := filepath.Join(dir, "out.mp4")
	cmd := exec.CommandContext(ctx, c.Bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", list,
		"-c", "copy",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	f, err := os.Open(out)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("open ffmpeg output: %w", err)
	}
	return &Output{
		Body:        f,
		ContentType: "video/mp4",
		Ext:         ".mp4",
		Close: func() error {
			return errors.Join(f.Close(), cleanup())
		},
	}, nil
}

// fetch copies ref (http(s) or file URL, or a local path) to dst.
func (c *FFmpegComposer) fetch(ctx context.Context, ref, dst string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("parse segment ref %q: %w", ref, err)
	}

	var src io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return err
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return fmt.Errorf("download %s: %w", ref, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("download %s: status %d", ref, resp.StatusCode)
		}
		src = resp.Body
	case "file", "":
		f, err := os.Open(u.Path)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", ref, err)
		}
		src = f
	default:
		return fmt.Errorf("segment %s: unsupported scheme %q", ref, u.Scheme)
	}
	defer src.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("copy segment %s: %w", ref, err)
	}
	return f.Close()
}

func segmentExt(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		if ext := filepath.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return ".mp4"
}
