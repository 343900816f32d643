package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-github/v57/github"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/codeanatomy/codeanatomy/internal/logging"
)

const (
	// defaultRequestRate throttles every API call, blob downloads
	// included. Authenticated clients get 5000 requests/hour from
	// GitHub, which 1 rps stays safely under.
	defaultRequestRate = 1

	downloadWorkers = 8
)

// skipDirs never feed extraction, so their blobs are not worth the API
// calls. Hidden directories are skipped for the same reason.
var skipDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"vendor":       true,
}

// GitHub fetches a repository tree through the GitHub API into a
// temporary workdir. The zero value is not usable; construct with
// NewGitHub.
type GitHub struct {
	client     *github.Client
	limiter    *rate.Limiter
	owner      string
	repo       string
	ref        string
	baseDir    string
	maxWorkers int
	logger     *slog.Logger

	mu   sync.Mutex
	root string
}

// NewGitHub builds a provider for the given repository spec. An empty
// token fetches anonymously (public repositories only). An empty ref
// resolves to the repository's default branch at fetch time. rateLimit
// is in requests per second; zero or negative falls back to the
// default.
func NewGitHub(spec, token, ref string, rateLimit int) (*GitHub, error) {
	owner, repo, err := ParseRepo(spec)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if rateLimit <= 0 {
		rateLimit = defaultRequestRate
	}
	return &GitHub{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), 1),
		owner:      owner,
		repo:       repo,
		ref:        ref,
		maxWorkers: downloadWorkers,
		logger:     logging.Component("source"),
	}, nil
}

// Fetch downloads the repository tree into a fresh temp directory and
// returns its root. The directory persists until Cleanup so the caller
// can run the full analysis against it.
func (p *GitHub) Fetch(ctx context.Context) (string, error) {
	ref := p.ref
	if ref == "" {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		repo, _, err := p.client.Repositories.Get(ctx, p.owner, p.repo)
		if err != nil {
			return "", fmt.Errorf("fetch repository: %w", err)
		}
		ref = repo.GetDefaultBranch()
		if ref == "" {
			ref = "main"
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	tree, _, err := p.client.Git.GetTree(ctx, p.owner, p.repo, ref, true)
	if err != nil {
		return "", fmt.Errorf("fetch tree: %w", err)
	}
	if tree.GetTruncated() {
		p.logger.Warn("tree truncated by the API, fetching the returned subset",
			"repo", p.owner+"/"+p.repo, "ref", ref)
	}

	var wanted []*github.TreeEntry
	for _, entry := range tree.Entries {
		if wantEntry(entry) {
			wanted = append(wanted, entry)
		}
	}

	root, err := os.MkdirTemp(p.baseDir, fmt.Sprintf("anatomy-%s-%s-", p.owner, p.repo))
	if err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	entries := make(chan *github.TreeEntry)
	g.Go(func() error {
		defer close(entries)
		for _, entry := range wanted {
			select {
			case entries <- entry:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < min(p.maxWorkers, len(wanted)); i++ {
		g.Go(func() error {
			for entry := range entries {
				if err := p.download(gctx, root, entry); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(root)
		return "", err
	}

	p.mu.Lock()
	p.root = root
	p.mu.Unlock()
	p.logger.Info("codebase fetched",
		"repo", p.owner+"/"+p.repo, "ref", ref, "files", len(wanted), "root", root)
	return root, nil
}

// Cleanup removes the workdir of the last successful Fetch.
func (p *GitHub) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == "" {
		return nil
	}
	err := os.RemoveAll(p.root)
	p.root = ""
	return err
}

func (p *GitHub) download(ctx context.Context, root string, entry *github.TreeEntry) error {
	rel := filepath.FromSlash(entry.GetPath())
	if !filepath.IsLocal(rel) {
		p.logger.Warn("skipping non-local tree path", "path", entry.GetPath())
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	content, _, err := p.client.Git.GetBlobRaw(ctx, p.owner, p.repo, entry.GetSHA())
	if err != nil {
		return fmt.Errorf("fetch blob %s: %w", entry.GetPath(), err)
	}
	dst := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return err
	}
	p.logger.Debug("blob written", "path", entry.GetPath(), "bytes", len(content))
	return nil
}

// wantEntry keeps regular file blobs outside skipped directories.
// Mode 120000 entries are symlinks; their blob is the link target, not
// file content.
func wantEntry(entry *github.TreeEntry) bool {
	if entry.GetType() != "blob" || entry.GetMode() == "120000" {
		return false
	}
	return !skipPath(entry.GetPath())
}

func skipPath(path string) bool {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if skipDirs[part] {
			return true
		}
		if i < len(parts)-1 && strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
