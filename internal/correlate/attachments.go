package correlate

import (
	"regexp"
	"strconv"
	"strings"

	"workweave/api/internal/sources"
)

var pullURLPattern = regexp.MustCompile(`^https://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/pull/(\d+)(?:[/?#].*)?$`)

// AllowList restricts which repositories may be linked. An empty list
// allows every repository. Entries are org/repo, compared case-insensitively,
// or org/* for a whole organisation.
type AllowList []string

func (a AllowList) Allows(repository string) bool {
	if len(a) == 0 {
		return true
	}
	repository = strings.ToLower(repository)
	org, _, _ := strings.Cut(repository, "/")
	for _, entry := range a {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == repository || entry == org+"/*" {
			return true
		}
	}
	return false
}

// ParsePullURL extracts org/repo and number from a pull request URL.
func ParsePullURL(url string) (repository string, number int, ok bool) {
	m := pullURLPattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return m[1] + "/" + m[2], n, true
}

// fromAttachments converts tracker attachments into links with full
// confidence. Other attachment kinds are ignored.
func fromAttachments(issue IssueRef, attachments []sources.Attachment, allow AllowList) []PullRequest {
	var out []PullRequest
	for _, attachment := range attachments {
		repository, number, ok := ParsePullURL(attachment.URL)
		if !ok || !allow.Allows(repository) {
			continue
		}
		out = append(out, PullRequest{
			ID:           canonicalID(repository, number),
			Number:       number,
			Repository:   repository,
			Title:        attachment.Title,
			URL:          attachment.URL,
			LinkedIssues: []string{issue.label()},
			Confidence:   AttachmentConfidence,
			MatchSource:  MatchAttachment,
		})
	}
	return Dedupe(out)
}
