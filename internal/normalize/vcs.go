package normalize

import (
	"strings"

	"workweave/api/internal/sources"
	"workweave/api/internal/store"
)

// DiffStats is the "diff" extension on pull requests and commits.
type DiffStats struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"filesChanged"`
}

func PullRequest(pr sources.PullRequest, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize pull request", pr.Repository); err != nil {
		return store.UnifiedContent{}, err
	}
	if pr.Number <= 0 {
		return store.UnifiedContent{}, requireID("normalize pull request", "")
	}

	data := &store.StructuredData{
		Status:      pr.State,
		Labels:      pr.Labels,
		MergedAt:    copyTime(pr.MergedAt),
		CompletedAt: copyTime(pr.ClosedAt),
	}
	if pr.Author != "" {
		data.Assignees = []store.Person{{ID: pr.Author, Name: pr.Author}}
	}
	if err := SetExtension(data, "diff", DiffStats{Additions: pr.Additions, Deletions: pr.Deletions, FilesChanged: pr.FilesChanged}); err != nil {
		return store.UnifiedContent{}, err
	}
	if pr.BranchName != "" {
		if err := SetExtension(data, "branch", pr.BranchName); err != nil {
			return store.UnifiedContent{}, err
		}
	}
	repoID := store.ContentID(store.SourceVersionControl, store.TypeRepository, pr.Repository)

	return store.UnifiedContent{
		ID:          store.ContentID(store.SourceVersionControl, store.TypePullRequest, pr.Key()),
		Source:      store.SourceVersionControl,
		ContentType: store.TypePullRequest,
		Title:       pr.Title,
		Description: optional(pr.Body),
		URL:         optional(pr.URL),
		CreatedAt:   pr.CreatedAt.UTC(),
		UpdatedAt:   pr.UpdatedAt.UTC(),
		ExtractedAt: nctx.ExtractedAt.UTC(),
		ParentID:    &repoID,
		SourceMetadata: metadata(map[string]any{
			"number":     pr.Number,
			"repository": pr.Repository,
			"baseBranch": pr.BaseBranch,
		}),
		Content:        pr.Body,
		SearchableText: SearchableText(pr.Title, pr.Body, pr.Key(), pr.BranchName, pr.Author, strings.Join(pr.Labels, " ")),
		Keywords:       keywords(append([]string{pr.Key(), pr.BranchName}, pr.Labels...)...),
		StructuredData: data,
	}, nil
}

func Repository(repo sources.Repository, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize repository", repo.FullName); err != nil {
		return store.UnifiedContent{}, err
	}

	return store.UnifiedContent{
		ID:          store.ContentID(store.SourceVersionControl, store.TypeRepository, repo.FullName),
		Source:      store.SourceVersionControl,
		ContentType: store.TypeRepository,
		Title:       repo.FullName,
		Description: optional(repo.Description),
		URL:         optional(repo.URL),
		CreatedAt:   repo.CreatedAt.UTC(),
		UpdatedAt:   repo.UpdatedAt.UTC(),
		ExtractedAt: nctx.ExtractedAt.UTC(),
		SourceMetadata: metadata(map[string]any{
			"defaultBranch": repo.DefaultBranch,
			"language":      repo.Language,
		}),
		Content:        repo.Description,
		SearchableText: SearchableText(repo.FullName, repo.Description, repo.Language, strings.Join(repo.Topics, " ")),
		Keywords:       keywords(append([]string{repo.FullName, repo.Language}, repo.Topics...)...),
		StructuredData: &store.StructuredData{Labels: repo.Topics},
	}, nil
}

// Commit ids are scoped by repository since hashes are only unique per
// repository history.
func Commit(commit sources.Commit, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize commit", commit.Hash); err != nil {
		return store.UnifiedContent{}, err
	}

	short := commit.Hash
	if len(short) > 12 {
		short = short[:12]
	}
	data := &store.StructuredData{
		Assignees: []store.Person{{ID: commit.Author.Email, Name: commit.Author.Name, Email: commit.Author.Email}},
	}
	if err := SetExtension(data, "diff", DiffStats{Additions: commit.Additions, Deletions: commit.Deletions, FilesChanged: commit.Files}); err != nil {
		return store.UnifiedContent{}, err
	}
	if len(commit.Branches) > 0 {
		if err := SetExtension(data, "branches", commit.Branches); err != nil {
			return store.UnifiedContent{}, err
		}
	}
	var parentID *string
	if commit.Repository != "" {
		id := store.ContentID(store.SourceVersionControl, store.TypeRepository, commit.Repository)
		parentID = &id
	}
	at := commit.CommitAt.UTC()

	return store.UnifiedContent{
		ID:             store.ContentID(store.SourceVersionControl, store.TypeCommit, commit.Repository+"@"+commit.Hash),
		Source:         store.SourceVersionControl,
		ContentType:    store.TypeCommit,
		Title:          firstLine(commit.Message),
		URL:            optional(commit.URL),
		CreatedAt:      at,
		UpdatedAt:      at,
		ExtractedAt:    nctx.ExtractedAt.UTC(),
		ParentID:       parentID,
		SourceMetadata: metadata(map[string]any{"hash": commit.Hash, "repository": commit.Repository}),
		Content:        commit.Message,
		SearchableText: SearchableText(commit.Message, short, commit.Author.Name, commit.Repository, strings.Join(commit.Branches, " ")),
		Keywords:       keywords(append([]string{short, commit.Repository}, commit.Branches...)...),
		StructuredData: data,
	}, nil
}
