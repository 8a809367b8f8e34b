package sources

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// Matches proxy lines: IP:PORT, optionally prefixed with a scheme like
// socks5://IP:PORT.
var proxyRegex = regexp.MustCompile(`(?:(socks5|https?)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)

// Refresher populates the pool from static config entries and keeps it
// topped up from remote subscription URLs. It only ever registers new
// addresses; existing records keep their health history.
type Refresher struct {
	pool     *pool.Pool
	cfg      config.SourcesConfig
	interval time.Duration
	client   *http.Client
}

func NewRefresher(p *pool.Pool, cfg config.SourcesConfig) *Refresher {
	return &Refresher{
		pool:     p,
		cfg:      cfg,
		interval: time.Duration(cfg.RefreshIntervalSeconds) * time.Second,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SeedStatic registers the statically configured candidates.
func SeedStatic(p *pool.Pool, proxies []config.Proxy) int {
	added := 0
	for _, cp := range proxies {
		rec := types.ProxyRecord{
			Address: cp.Address,
			Scheme:  types.Scheme(cp.Scheme),
			Credentials: types.Credentials{
				Username: cp.Username,
				Password: cp.Password,
			},
		}
		err := p.Register(rec)
		switch {
		case err == nil:
			added++
		case errors.Is(err, types.ErrDuplicateAddress):
			log.Warnf("Duplicate proxy in config, skipping: %s", cp.Address)
		}
	}
	return added
}

// Run refreshes from remote sources until ctx is cancelled. The first
// refresh runs immediately. With no configured URLs it returns at once.
func (r *Refresher) Run(ctx context.Context) {
	if len(r.cfg.URLs) == 0 {
		return
	}

	r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Source refresher stopped")
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh fetches every source concurrently and registers any address the
// pool has not seen.
func (r *Refresher) Refresh(ctx context.Context) {
	var wg sync.WaitGroup
	resultChan := make(chan []types.ProxyRecord, len(r.cfg.URLs))

	for _, u := range r.cfg.URLs {
		wg.Add(1)
		go func(sourceURL string) {
			defer wg.Done()

			start := time.Now()
			candidates, err := r.fetchSource(ctx, sourceURL)
			if err != nil {
				log.Warnf("Source %s failed: %v (took %v)", sourceURL, err, time.Since(start))
				return
			}
			log.Infof("Source %s returned %d candidates (took %v)", sourceURL, len(candidates), time.Since(start))
			resultChan <- candidates
		}(u)
	}

	wg.Wait()
	close(resultChan)

	added := 0
	for candidates := range resultChan {
		for _, rec := range candidates {
			if err := r.pool.Register(rec); err == nil {
				added++
			}
		}
	}

	if added > 0 {
		log.Infof("Source refresh registered %d new candidates (pool=%d)", added, r.pool.Len())
	}
}

func (r *Refresher) fetchSource(ctx context.Context, sourceURL string) ([]types.ProxyRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Subscription lists can be large but not unbounded.
	limited := io.LimitReader(resp.Body, 10*1024*1024)

	return ParseList(limited, defaultScheme(sourceURL))
}

// defaultScheme guesses the scheme for lines that carry none, from hints
// in the source URL.
func defaultScheme(sourceURL string) types.Scheme {
	lower := strings.ToLower(sourceURL)
	if strings.Contains(lower, "socks5") {
		return types.SchemeSOCKS5
	}
	return types.SchemeHTTP
}

// ParseList extracts candidate records from a plain-text proxy list, one
// address per line, skipping blanks, comments and duplicates.
func ParseList(r io.Reader, fallback types.Scheme) ([]types.ProxyRecord, error) {
	seen := make(map[string]struct{})
	records := make([]types.ProxyRecord, 0)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := proxyRegex.FindStringSubmatch(line)
		if len(matches) < 4 {
			continue
		}

		scheme := fallback
		switch matches[1] {
		case "socks5":
			scheme = types.SchemeSOCKS5
		case "http":
			scheme = types.SchemeHTTP
		case "https":
			scheme = types.SchemeHTTPS
		}

		address := fmt.Sprintf("%s:%s", matches[2], matches[3])
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}

		records = append(records, types.ProxyRecord{
			Address: address,
			Scheme:  scheme,
		})
	}

	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan: %w", err)
	}
	return records, nil
}
