// Package dataset materializes a pipeline's input CSV and loads it as a
// table. A missing file is fetched from its configured URL; when the URL
// serves an HTML catalog page instead of the file itself, the first CSV
// link on the page is followed.
package dataset

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"mlprep/internal/metrics"
	"mlprep/internal/table"
)

// Logger is a minimal logging interface (log.Printf compatible).
type Logger interface {
	Printf(format string, v ...any)
}

// Source locates one dataset.
type Source struct {
	// File is the local path; also the download target when absent.
	File string
	// URL, when set, is fetched if File does not exist.
	URL string
	// Encoding names the CSV character encoding ("" means UTF-8).
	Encoding string
	// Client overrides the HTTP client; nil uses a 60s-timeout default.
	Client *http.Client
	// Log receives download telemetry. nil silences it.
	Log Logger
}

func (s *Source) logger() func(string, ...any) {
	if s.Log != nil {
		return s.Log.Printf
	}
	return log.New(io.Discard, "", 0).Printf
}

func (s *Source) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Ensure makes sure File exists locally, downloading it when it does not.
// The download is atomic: bytes land in a temp file first and are renamed
// into place, so a failed fetch never leaves a truncated dataset behind.
func (s *Source) Ensure(ctx context.Context) error {
	if _, err := os.Stat(s.File); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat dataset: %w", err)
	}
	if s.URL == "" {
		return fmt.Errorf("dataset %s missing and no url configured", s.File)
	}
	if dir := filepath.Dir(s.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dataset dir: %w", err)
		}
	}
	return s.download(ctx)
}

// download fetches s.URL into s.File, following one catalog-page hop.
func (s *Source) download(ctx context.Context) error {
	logf := s.logger()
	target := s.URL

	for hop := 0; hop < 2; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		start := time.Now()
		resp, err := s.client().Do(req)
		if err != nil {
			metrics.RecordHTTP("dataset", 0, err, time.Since(start), 0, 0)
			return fmt.Errorf("fetch %s: %w", target, err)
		}
		reqDur := time.Since(start)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			err := fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
			if body := strings.TrimSpace(string(snippet)); body != "" {
				err = fmt.Errorf("%w: %s", err, body)
			}
			metrics.RecordHTTP("dataset", resp.StatusCode, err, reqDur, time.Since(start), 0)
			return err
		}

		if hop == 0 && isHTML(resp.Header.Get("Content-Type")) {
			next, lerr := firstDatasetLink(resp.Body, target)
			resp.Body.Close()
			metrics.RecordHTTP("dataset", resp.StatusCode, lerr, reqDur, time.Since(start), 0)
			if lerr != nil {
				return fmt.Errorf("resolve catalog %s: %w", target, lerr)
			}
			logf("stage=download catalog=%s resolved=%s", target, next)
			target = next
			continue
		}

		n, werr := writeBodyToFile(s.File, resp.Body)
		resp.Body.Close()
		metrics.RecordHTTP("dataset", resp.StatusCode, werr, reqDur, time.Since(start), n)
		if werr != nil {
			return fmt.Errorf("save %s: %w", s.File, werr)
		}
		logf("stage=download url=%s file=%s bytes=%d", target, s.File, n)
		return nil
	}
	return fmt.Errorf("fetch %s: catalog page resolved to another page", s.URL)
}

// Load ensures the file exists, then parses it. Files ending in .gz are
// decompressed transparently.
func (s *Source) Load(ctx context.Context) (*table.Table, error) {
	if err := s.Ensure(ctx); err != nil {
		return nil, err
	}
	f, err := os.Open(s.File)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(s.File), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", s.File, err)
		}
		defer gz.Close()
		r = gz
	}

	var opts []table.ReadOption
	if s.Encoding != "" {
		opts = append(opts, table.WithEncoding(s.Encoding))
	}
	t, err := table.ReadCSV(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(s.File), err)
	}
	return t, nil
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// firstDatasetLink returns the first anchor on the page whose path ends in
// .csv or .csv.gz, resolved against the page URL.
func firstDatasetLink(body io.Reader, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		p := strings.ToLower(ref.Path)
		if strings.HasSuffix(p, ".csv") || strings.HasSuffix(p, ".csv.gz") {
			found = base.ResolveReference(ref).String()
			return false
		}
		return true
	})
	if found == "" {
		return "", errors.New("no csv link on catalog page")
	}
	return found, nil
}

// writeBodyToFile writes r to path via a temp file in the same directory,
// renaming into place on success. Returns the number of bytes written.
func writeBodyToFile(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mlprep-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return n, err
	}
	return n, nil
}
