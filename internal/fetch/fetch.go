package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FiGuidastri/dw-receita-federal/internal/catalog"
)

// TransientError is a retryable failure: network trouble, timeouts, 5xx,
// throttling. After the retry budget is spent it escalates to PermanentError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient fetch error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is not retried. The archive is excluded from its table's
// shard set; the run continues.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent fetch error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Result reports the outcome of fetching one archive.
type Result struct {
	Archive catalog.Archive
	Path    string
	Bytes   int64 // size of the archive on disk
	Skipped bool  // complete size-matching local copy already present
	Err     error
}

type Downloader struct {
	DestDir        string
	Workers        int
	MaxRetries     uint64
	InitialBackoff time.Duration

	http *http.Client
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDownloader(destDir string, workers int, maxRetries int) *Downloader {
	if workers <= 0 {
		workers = 4
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Downloader{
		DestDir:        destDir,
		Workers:        workers,
		MaxRetries:     uint64(maxRetries),
		InitialBackoff: time.Second,
		// downloads grandes -> sem timeout global; o contexto cancela
		http:  &http.Client{Timeout: 0},
		log:   slog.With("component", "fetch"),
		locks: map[string]*sync.Mutex{},
	}
}

// FetchAll downloads every archive through a bounded worker pool. One
// failed archive never aborts the others; each Result carries its own error.
func (d *Downloader) FetchAll(ctx context.Context, archives []catalog.Archive) []Result {
	if err := os.MkdirAll(d.DestDir, 0o755); err != nil {
		out := make([]Result, len(archives))
		for i, a := range archives {
			out[i] = Result{Archive: a, Err: &PermanentError{Err: err}}
		}
		return out
	}

	jobs := make(chan catalog.Archive)
	results := make(chan Result, len(archives))
	var wg sync.WaitGroup

	for i := 0; i < d.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				results <- d.fetchOne(ctx, a)
			}
		}()
	}

	go func() {
		for _, a := range archives {
			select {
			case <-ctx.Done():
				results <- Result{Archive: a, Err: ctx.Err()}
			case jobs <- a:
			}
		}
		close(jobs)
	}()

	wg.Wait()
	close(results)

	byName := make(map[string]Result, len(archives))
	for r := range results {
		byName[r.Archive.Name] = r
	}
	out := make([]Result, 0, len(archives))
	for _, a := range archives {
		out = append(out, byName[a.Name])
	}
	return out
}

func (d *Downloader) fetchOne(ctx context.Context, a catalog.Archive) Result {
	dst := filepath.Join(d.DestDir, a.Name)

	unlock := d.lockDest(dst)
	defer unlock()

	var size int64
	if remote, err := d.remoteSize(ctx, a.URL); err == nil {
		size = remote
	} else {
		var perm *PermanentError
		if errors.As(err, &perm) {
			return Result{Archive: a, Err: err}
		}
		// servers without HEAD support just lose the skip/resume checks
	}

	if st, err := os.Stat(dst); err == nil {
		if size > 0 && st.Size() == size {
			return Result{Archive: a, Path: dst, Bytes: st.Size(), Skipped: true}
		}
		// truncated or stale copy, never trust it
		_ = os.Remove(dst)
	}

	attempt := func() error {
		err := d.download(ctx, a.URL, dst, size)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		d.log.Warn("fetch attempt failed, will retry", "file", a.Name, "error", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.InitialBackoff
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, d.MaxRetries), ctx))
	if err != nil {
		var perm *PermanentError
		if !errors.As(err, &perm) && ctx.Err() == nil {
			// transient failures past the retry budget escalate
			err = &PermanentError{Err: fmt.Errorf("retries exhausted: %w", err)}
		}
		return Result{Archive: a, Err: err}
	}

	res := Result{Archive: a, Path: dst}
	if st, err := os.Stat(dst); err == nil {
		res.Bytes = st.Size()
	}
	return res
}

// remoteSize asks the server for the archive's content length.
func (d *Downloader) remoteSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, &PermanentError{Err: err}
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusForbidden:
		return 0, &PermanentError{Err: fmt.Errorf("HEAD %s returned %d", url, resp.StatusCode)}
	default:
		// e.g. 405: server has no HEAD, size stays unknown
		return 0, nil
	}
}

// download streams the archive into dst+".part" and renames on completion,
// so dst never holds a partial file. When a previous .part exists and the
// remote size is known, the transfer resumes with a Range request.
func (d *Downloader) download(ctx context.Context, url, dst string, size int64) error {
	partial := dst + ".part"

	var offset int64
	if st, err := os.Stat(partial); err == nil && size > 0 && st.Size() < size {
		offset = st.Size()
	} else if err == nil {
		_ = os.Remove(partial)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &PermanentError{Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		// keep the partial file, append from offset
	case resp.StatusCode == http.StatusOK:
		offset = 0
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("GET %s returned %d", url, resp.StatusCode)}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &PermanentError{Err: fmt.Errorf("GET %s returned %d: %s",
			url, resp.StatusCode, strings.TrimSpace(string(b)))}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return &PermanentError{Err: err}
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return &TransientError{Err: err}
	}
	if err := f.Close(); err != nil {
		return &TransientError{Err: err}
	}

	if size > 0 {
		st, err := os.Stat(partial)
		if err != nil {
			return &TransientError{Err: err}
		}
		if st.Size() != size {
			return &TransientError{Err: fmt.Errorf("size mismatch for %s: got %d want %d",
				filepath.Base(dst), st.Size(), size)}
		}
	}

	if err := os.Rename(partial, dst); err != nil {
		return &PermanentError{Err: err}
	}
	return nil
}

// lockDest serializes access to one destination path. Archives are unique
// per catalog, but two entries resolving to the same file must never write
// concurrently.
func (d *Downloader) lockDest(dst string) func() {
	d.mu.Lock()
	l, ok := d.locks[dst]
	if !ok {
		l = &sync.Mutex{}
		d.locks[dst] = l
	}
	d.mu.Unlock()

	l.Lock()
	return l.Unlock
}
