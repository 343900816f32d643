package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/codeanatomy/codeanatomy/internal/models"
)

// ResolveProject accepts a project id or name and returns the matching
// project. An empty selector works when exactly one project exists, so
// single-project setups need no bookkeeping. Name matching is
// case-insensitive; an id match wins over a name match.
func ResolveProject(ctx context.Context, s Store, selector string) (*models.Project, error) {
	if selector != "" {
		p, err := s.GetProject(ctx, selector)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if selector == "" {
		switch len(projects) {
		case 0:
			return nil, errors.New("no projects exist yet, create one and run an analysis first")
		case 1:
			return projects[0], nil
		default:
			return nil, fmt.Errorf("several projects exist, pass project as one of: %s",
				strings.Join(projectNames(projects), ", "))
		}
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, selector) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no project with id or name %q", selector)
}

func projectNames(projects []*models.Project) []string {
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
