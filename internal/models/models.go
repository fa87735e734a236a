// Package models is the whisper.cpp ggml model catalog: names, file layout
// and download from Hugging Face.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Whisper describes one catalog model and whether it is on disk.
type Whisper struct {
	Name       string `json:"name"`
	SizeMB     int    `json:"size_mb"`
	Downloaded bool   `json:"downloaded"`
}

var catalog = []struct {
	Name   string
	SizeMB int
}{
	{"tiny", 75},
	{"tiny.en", 75},
	{"base", 142},
	{"base.en", 142},
	{"small", 466},
	{"small.en", 466},
	{"medium", 1500},
	{"medium.en", 1500},
	{"large-v2", 3100},
	{"large-v3", 3100},
	{"large-v3-turbo", 1600},
}

// HuggingFaceBase is where ggml weights are published.
const HuggingFaceBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Valid reports whether name is in the catalog.
func Valid(name string) bool {
	for _, c := range catalog {
		if c.Name == name {
			return true
		}
	}
	return false
}

// FileName is the on-disk name for a model, e.g. ggml-base.bin.
func FileName(name string) string {
	return "ggml-" + name + ".bin"
}

// NameFromPath extracts the model name from a path like /models/ggml-base.bin.
// Paths that do not follow the ggml layout are returned as their base name.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(strings.TrimPrefix(base, "ggml-"), ".bin")
	if name == base {
		return base
	}
	return name
}

// List returns the catalog with download status for dir. An empty dir
// reports nothing downloaded.
func List(dir string) []Whisper {
	onDisk := scan(dir)
	out := make([]Whisper, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, Whisper{Name: c.Name, SizeMB: c.SizeMB, Downloaded: onDisk[c.Name]})
	}
	return out
}

func scan(dir string) map[string]bool {
	found := make(map[string]bool)
	if dir == "" {
		return found
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return found
	}
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, "ggml-") && strings.HasSuffix(n, ".bin") {
			found[NameFromPath(n)] = true
		}
	}
	return found
}

// ProgressFunc is called as a download advances.
type ProgressFunc func(downloaded, total int64)

// Downloader fetches ggml weights into Dir.
type Downloader struct {
	Dir     string
	BaseURL string
	Client  *http.Client
}

// NewDownloader creates a downloader against Hugging Face.
func NewDownloader(dir string) *Downloader {
	return &Downloader{
		Dir:     dir,
		BaseURL: HuggingFaceBase,
		Client:  &http.Client{Timeout: 30 * time.Minute},
	}
}

// Path returns where name lives on disk.
func (d *Downloader) Path(name string) string {
	return filepath.Join(d.Dir, FileName(name))
}

// Ensure downloads name unless it is already present and returns its path.
func (d *Downloader) Ensure(ctx context.Context, name string, onProgress ProgressFunc) (string, error) {
	path := d.Path(name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := d.Download(ctx, name, onProgress); err != nil {
		return "", err
	}
	return path, nil
}

// Download fetches name into Dir. The file appears atomically on success.
func (d *Downloader) Download(ctx context.Context, name string, onProgress ProgressFunc) error {
	if !Valid(name) {
		return fmt.Errorf("unknown model: %s", name)
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(d.BaseURL, "/"), FileName(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", name, resp.StatusCode)
	}
	if err = os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}

	dest := d.Path(name)
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(f, &progressReader{r: resp.Body, total: resp.ContentLength, onProgress: onProgress})
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", name, copyErr)
	}
	return os.Rename(tmp, dest)
}

type progressReader struct {
	r          io.Reader
	total      int64
	done       int64
	lastReport int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.onProgress == nil {
		return n, err
	}
	if p.done-p.lastReport >= 1<<20 || err == io.EOF {
		p.onProgress(p.done, p.total)
		p.lastReport = p.done
	}
	return n, err
}
