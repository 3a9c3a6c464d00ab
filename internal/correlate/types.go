// Package correlate links pull requests to issues. Tracker attachments are
// authoritative; heuristic search is only consulted when an issue has none.
package correlate

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"workweave/api/internal/sources"
)

type MatchSource string

const (
	MatchAttachment MatchSource = "attachment"
	MatchSearch     MatchSource = "search"
)

// PullRequest is a correlated pull request. ID is the canonical
// org/repo#number key.
type PullRequest struct {
	ID           string      `json:"id"`
	Number       int         `json:"number"`
	Repository   string      `json:"repository"`
	Title        string      `json:"title"`
	URL          string      `json:"url"`
	Author       string      `json:"author"`
	State        string      `json:"state,omitempty"`
	BranchName   string      `json:"branchName,omitempty"`
	MergedAt     *time.Time  `json:"mergedAt,omitempty"`
	Additions    int         `json:"additions"`
	Deletions    int         `json:"deletions"`
	FilesChanged int         `json:"filesChanged"`
	LinkedIssues []string    `json:"linkedIssues"`
	Confidence   float64     `json:"confidence"`
	MatchSource  MatchSource `json:"matchSource"`
}

// IssueRef names an issue both ways: ID for tracker lookups and
// Identifier (e.g. ENG-42) for text matching.
type IssueRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

func (r IssueRef) label() string {
	if r.Identifier != "" {
		return r.Identifier
	}
	return r.ID
}

func fromSource(pr sources.PullRequest) PullRequest {
	return PullRequest{
		ID:           pr.Key(),
		Number:       pr.Number,
		Repository:   pr.Repository,
		Title:        pr.Title,
		URL:          pr.URL,
		Author:       pr.Author,
		State:        pr.State,
		BranchName:   pr.BranchName,
		MergedAt:     pr.MergedAt,
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		FilesChanged: pr.FilesChanged,
	}
}

// needsDetails reports whether diff statistics were never fetched.
func (p PullRequest) needsDetails() bool {
	return p.Additions == 0 && p.Deletions == 0
}

// withDetails fills fetched fields while keeping correlation data.
func (p PullRequest) withDetails(d sources.PullRequest) PullRequest {
	out := p
	if d.Title != "" {
		out.Title = d.Title
	}
	if d.URL != "" {
		out.URL = d.URL
	}
	if d.Author != "" {
		out.Author = d.Author
	}
	if d.State != "" {
		out.State = d.State
	}
	if d.BranchName != "" {
		out.BranchName = d.BranchName
	}
	if d.MergedAt != nil {
		out.MergedAt = d.MergedAt
	}
	out.Additions = d.Additions
	out.Deletions = d.Deletions
	out.FilesChanged = d.FilesChanged
	return out
}

// Dedupe keys by canonical id and keeps the higher confidence. Linked
// issues of dropped duplicates are merged into the survivor.
func Dedupe(prs []PullRequest) []PullRequest {
	byID := map[string]int{}
	var out []PullRequest
	for _, pr := range prs {
		key := strings.ToLower(pr.ID)
		i, ok := byID[key]
		if !ok {
			byID[key] = len(out)
			out = append(out, pr)
			continue
		}
		linked := mergeLinked(out[i].LinkedIssues, pr.LinkedIssues)
		if pr.Confidence > out[i].Confidence {
			out[i] = pr
		}
		out[i].LinkedIssues = linked
	}
	return out
}

func mergeLinked(a, b []string) []string {
	out := append([]string{}, a...)
	seen := map[string]bool{}
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// rank orders by confidence, then by id.
func rank(prs []PullRequest) {
	sort.SliceStable(prs, func(i, j int) bool {
		if prs[i].Confidence != prs[j].Confidence {
			return prs[i].Confidence > prs[j].Confidence
		}
		return prs[i].ID < prs[j].ID
	})
}

func canonicalID(repository string, number int) string {
	return repository + "#" + strconv.Itoa(number)
}
