package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/FiGuidastri/dw-receita-federal/internal/tables"
)

// ErrUnavailable marks a catalog index that could not be fetched. Nothing
// can run without a catalog, so callers abort the whole run on it.
var ErrUnavailable = errors.New("catalog unavailable")

// ErrUnrecognizedArchive marks a listed file that matches no known logical
// table. These are skipped, never fatal.
var ErrUnrecognizedArchive = errors.New("unrecognized archive name")

// Archive describes one remotely published zip and the logical table its
// contents belong to.
type Archive struct {
	URL   string
	Name  string
	Table string
}

type Client struct {
	http *http.Client
	log  *slog.Logger
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: 60 * time.Second},
		log:  slog.With("component", "catalog"),
	}
}

// The index is a plain autoindex-style link listing. Matching the href
// suffix keeps us resilient to markup changes around the links.
var reZipHref = regexp.MustCompile(`(?i)href="([^"]+\.zip)"`)

// Resolve fetches the catalog index page and returns one Archive per listed
// zip, classified by filename infix. Entries matching no known table are
// skipped and logged. A page that cannot be fetched is ErrUnavailable.
func (c *Client) Resolve(ctx context.Context, catalogURL string) ([]Archive, error) {
	base, err := url.Parse(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog URL %q: %w", catalogURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, catalogURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: GET %s returned %d: %s",
			ErrUnavailable, catalogURL, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading index: %v", ErrUnavailable, err)
	}

	seen := make(map[string]bool)
	var out []Archive
	for _, m := range reZipHref.FindAllStringSubmatch(string(body), -1) {
		href := strings.TrimSpace(m[1])
		if href == "" || strings.HasPrefix(href, "?") {
			continue
		}

		ref, err := url.Parse(href)
		if err != nil {
			c.log.Warn("skipping unparseable link", "href", href, "error", err)
			continue
		}
		abs := base.ResolveReference(ref)
		name := path.Base(abs.Path)
		if seen[name] {
			continue
		}
		seen[name] = true

		spec, ok := tables.Classify(name)
		if !ok {
			c.log.Warn("skipping archive", "file", name, "reason", ErrUnrecognizedArchive.Error())
			continue
		}

		out = append(out, Archive{
			URL:   abs.String(),
			Name:  name,
			Table: spec.Name,
		})
	}

	return out, nil
}
