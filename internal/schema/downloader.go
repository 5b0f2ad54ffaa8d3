package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
)

// Form fields of the script generator page
const (
	fieldViewState          = "__VIEWSTATE"
	fieldViewStateGenerator = "__VIEWSTATEGENERATOR"
	fieldEventTarget        = "__EVENTTARGET"
	fieldEventArgument      = "__EVENTARGUMENT"
	generateButton          = "buttonGenerateScript"
)

// Downloader fetches the generated sync script by replaying the page's
// form post. The client keeps cookies between the two requests.
type Downloader struct {
	client       *http.Client
	fallbackName string
	log          zerolog.Logger
}

// NewDownloader creates a downloader. fallbackName is used when the
// attachment carries no filename.
func NewDownloader(fallbackName string, timeout time.Duration, log zerolog.Logger) (*Downloader, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if fallbackName == "" {
		fallbackName = "script.sql"
	}
	return &Downloader{
		client:       &http.Client{Jar: jar, Timeout: timeout},
		fallbackName: fallbackName,
		log:          log.With().Str("component", "downloader").Logger(),
	}, nil
}

// Download requests the script from pageURL and saves it into destDir.
// It returns the saved file path.
func (d *Downloader) Download(ctx context.Context, pageURL, destDir string) (string, error) {
	tokens, err := d.fetchTokens(ctx, pageURL)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set(fieldViewState, tokens[fieldViewState])
	form.Set(fieldViewStateGenerator, tokens[fieldViewStateGenerator])
	form.Set(fieldEventTarget, generateButton)
	form.Set(fieldEventArgument, "")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pageURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &DownloadError{URL: pageURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &DownloadError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	name, ok := attachmentName(resp.Header.Get("Content-Disposition"))
	if !ok {
		return "", &DownloadError{URL: pageURL, Status: resp.StatusCode, Err: errors.New("response carries no attachment")}
	}
	if name == "" {
		name = d.fallbackName
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create script file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", &DownloadError{URL: pageURL, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	d.log.Info().Str("file", dest).Int64("bytes", n).Msg("Script downloaded")
	return dest, nil
}

func (d *Downloader) fetchTokens(ctx context.Context, pageURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &DownloadError{URL: pageURL, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{URL: pageURL, Status: resp.StatusCode, Err: errors.New("token page request failed")}
	}

	tokens, err := hiddenFields(resp.Body, fieldViewState, fieldViewStateGenerator)
	if err != nil {
		return nil, &DownloadError{URL: pageURL, Status: resp.StatusCode, Err: fmt.Errorf("parse page: %w", err)}
	}
	for _, name := range []string{fieldViewState, fieldViewStateGenerator} {
		if _, ok := tokens[name]; !ok {
			d.log.Warn().Str("field", name).Msg("Hidden field missing from page, posting empty value")
		}
	}
	return tokens, nil
}

// hiddenFields returns the value attribute of the input elements named in names.
func hiddenFields(r io.Reader, names ...string) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	found := make(map[string]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					name = a.Val
				case "value":
					value = a.Val
				}
			}
			if wanted[name] {
				found[name] = value
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found, nil
}

// attachmentName parses a Content-Disposition header. ok is false unless the
// disposition is attachment; the returned name is a bare file name.
func attachmentName(header string) (name string, ok bool) {
	if header == "" {
		return "", false
	}
	disposition, params, err := mime.ParseMediaType(header)
	if err != nil || !strings.EqualFold(disposition, "attachment") {
		return "", false
	}
	name = filepath.Base(filepath.Clean(strings.ReplaceAll(params["filename"], `\`, "/")))
	if name == "." || name == "/" {
		name = ""
	}
	return name, true
}
