// Package gitrepo reads local git repositories. It extracts commit and
// repository records for sync and supplies branch names to correlation.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"workweave/api/internal/normalize"
	"workweave/api/internal/sources"
	"workweave/api/internal/store"
	"workweave/api/internal/syncer"
)

const defaultMaxCommits = 5000

// Repo is a local clone. Name is the org/repo key shared with the pull
// request host.
type Repo struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	WebURL string `yaml:"web_url"`
}

type Service struct {
	repos []Repo
	// MaxCommits bounds commits read per repository and run.
	MaxCommits int
	lockMu     sync.Mutex
	locks      map[string]*sync.Mutex
	now        func() time.Time
}

func New(repos ...Repo) *Service {
	return &Service{
		repos:      repos,
		MaxCommits: defaultMaxCommits,
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

func (s *Service) Repos() []Repo {
	return append([]Repo(nil), s.repos...)
}

func (s *Service) Source() store.Source { return store.SourceVersionControl }

func (s *Service) SupportsIncremental() bool { return true }

// Extract reads every configured repository. A repository that cannot be
// read is reported as a skipped item unless all of them fail.
func (s *Service) Extract(ctx context.Context, since *time.Time) (syncer.Extraction, error) {
	nctx := normalize.Context{ExtractedAt: s.now().UTC()}
	var out syncer.Extraction
	var failures []string
	for _, repo := range s.repos {
		info, commits, err := s.scan(ctx, repo, since, true)
		if err != nil {
			if ctx.Err() != nil {
				return syncer.Extraction{}, ctx.Err()
			}
			failures = append(failures, fmt.Sprintf("repository %s: %v", repo.Name, err))
			continue
		}
		out.Add(normalize.Repository(info, nctx))
		for _, commit := range commits {
			out.Add(normalize.Commit(commit, nctx))
		}
	}
	if len(s.repos) > 0 && len(failures) == len(s.repos) {
		return syncer.Extraction{}, errors.New(strings.Join(failures, "; "))
	}
	out.Errors = append(out.Errors, failures...)
	return out, nil
}

func (s *Service) Repository(ctx context.Context, repo Repo) (sources.Repository, error) {
	info, _, err := s.scan(ctx, repo, nil, false)
	return info, err
}

// Commits returns commits reachable from any local branch, newest first.
// A non-nil since keeps only commits at or after it.
func (s *Service) Commits(ctx context.Context, repo Repo, since *time.Time) ([]sources.Commit, error) {
	_, commits, err := s.scan(ctx, repo, since, true)
	return commits, err
}

// BranchesMentioning lists local branch names that contain identifier,
// compared case-insensitively, across all repositories.
func (s *Service) BranchesMentioning(ctx context.Context, identifier string) ([]string, error) {
	needle := strings.ToLower(strings.TrimSpace(identifier))
	if needle == "" {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, repo := range s.repos {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		names, err := s.branches(repo)
		if err != nil {
			return out, fmt.Errorf("list branches of %s: %w", repo.Name, err)
		}
		for name := range names {
			if strings.Contains(strings.ToLower(name), needle) && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) branches(repo Repo) (map[string]plumbing.Hash, error) {
	lock := s.repoLock(repo.Path)
	lock.Lock()
	defer lock.Unlock()

	r, err := git.PlainOpen(repo.Path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return branchTips(r)
}

func branchTips(r *git.Repository) (map[string]plumbing.Hash, error) {
	iter, err := r.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()
	tips := map[string]plumbing.Hash{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tips[ref.Name().Short()] = ref.Hash()
		return nil
	})
	return tips, err
}

// scan walks every branch once. Commits are collected with the branches
// they are reachable from; repository timestamps span the full history.
func (s *Service) scan(ctx context.Context, repo Repo, since *time.Time, collect bool) (sources.Repository, []sources.Commit, error) {
	lock := s.repoLock(repo.Path)
	lock.Lock()
	defer lock.Unlock()

	r, err := git.PlainOpen(repo.Path)
	if err != nil {
		return sources.Repository{}, nil, fmt.Errorf("open repo: %w", err)
	}
	info := sources.Repository{FullName: repo.Name, URL: repo.WebURL}
	if head, err := r.Head(); err == nil && head.Name().IsBranch() {
		info.DefaultBranch = head.Name().Short()
	}

	tips, err := branchTips(r)
	if err != nil {
		return sources.Repository{}, nil, err
	}
	names := make([]string, 0, len(tips))
	for name := range tips {
		names = append(names, name)
	}
	sort.Strings(names)

	limit := s.MaxCommits
	if limit <= 0 {
		limit = defaultMaxCommits
	}
	byHash := map[plumbing.Hash]*sources.Commit{}
	var order []plumbing.Hash
	for _, branch := range names {
		iter, err := r.Log(&git.LogOptions{From: tips[branch]})
		if err != nil {
			return sources.Repository{}, nil, fmt.Errorf("read log of %s: %w", branch, err)
		}
		err = iter.ForEach(func(c *object.Commit) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			when := c.Committer.When.UTC()
			if info.CreatedAt.IsZero() || when.Before(info.CreatedAt) {
				info.CreatedAt = when
			}
			if when.After(info.UpdatedAt) {
				info.UpdatedAt = when
			}
			if !collect || (since != nil && when.Before(*since)) {
				return nil
			}
			if existing, ok := byHash[c.Hash]; ok {
				if last := existing.Branches[len(existing.Branches)-1]; last != branch {
					existing.Branches = append(existing.Branches, branch)
				}
				return nil
			}
			if len(order) >= limit {
				return nil
			}
			commit, err := s.toCommit(repo, c, branch)
			if err != nil {
				return err
			}
			byHash[c.Hash] = &commit
			order = append(order, c.Hash)
			return nil
		})
		iter.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return sources.Repository{}, nil, fmt.Errorf("iterate log of %s: %w", branch, err)
		}
	}

	commits := make([]sources.Commit, 0, len(order))
	for _, hash := range order {
		commits = append(commits, *byHash[hash])
	}
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].CommitAt.After(commits[j].CommitAt)
	})
	return info, commits, nil
}

func (s *Service) toCommit(repo Repo, c *object.Commit, branch string) (sources.Commit, error) {
	commit := sources.Commit{
		Hash:       c.Hash.String(),
		Repository: repo.Name,
		Message:    strings.TrimSpace(c.Message),
		Author:     sources.User{ID: c.Author.Email, Name: c.Author.Name, Email: c.Author.Email},
		Branches:   []string{branch},
		CommitAt:   c.Committer.When.UTC(),
	}
	if repo.WebURL != "" {
		commit.URL = strings.TrimSuffix(repo.WebURL, "/") + "/commit/" + commit.Hash
	}
	stats, err := c.Stats()
	if err != nil {
		return sources.Commit{}, fmt.Errorf("diff stats for %s: %w", c.Hash, err)
	}
	for _, file := range stats {
		commit.Additions += file.Addition
		commit.Deletions += file.Deletion
	}
	commit.Files = len(stats)
	return commit, nil
}

func (s *Service) repoLock(path string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[path]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[path] = lock
	return lock
}
