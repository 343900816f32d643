// Package source materializes the codebase to analyze into a local
// directory tree: either an existing path on disk or a GitHub
// repository fetched through the API, so analysis needs no local clone.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Provider materializes a codebase and returns the absolute root of the
// resulting tree, ready for project-type detection and scanning.
type Provider interface {
	Fetch(ctx context.Context) (root string, err error)
}

// Local serves a codebase that already exists on disk.
type Local struct {
	Path string
}

// Fetch validates the path and returns it absolute. A regular file is
// accepted; the scanner treats it as a single-file codebase.
func (l Local) Fetch(context.Context) (string, error) {
	abs, err := filepath.Abs(l.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("codebase path: %w", err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return "", fmt.Errorf("codebase path %s is neither a directory nor a regular file", l.Path)
	}
	return abs, nil
}

var repoPartRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ParseRepo resolves a repository spec to owner and name. Accepted forms
// are "owner/repo", "github.com/owner/repo" and full HTTP(S) URLs, with
// or without a trailing ".git".
func ParseRepo(spec string) (owner, name string, err error) {
	s := strings.TrimSpace(spec)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "github.com/")
	s = strings.TrimSuffix(strings.Trim(s, "/"), ".git")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || !repoPartRe.MatchString(parts[0]) || !repoPartRe.MatchString(parts[1]) {
		return "", "", fmt.Errorf("repository must be owner/repo or a github.com URL, got %q", spec)
	}
	return parts[0], parts[1], nil
}
