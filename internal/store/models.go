package store

import (
	"encoding/json"
	"time"
)

type Source string

const (
	SourceIssueTracker   Source = "issue-tracker"
	SourceVersionControl Source = "version-control"
	SourceDocumentStore  Source = "document-store"
)

func (s Source) Valid() bool {
	switch s {
	case SourceIssueTracker, SourceVersionControl, SourceDocumentStore:
		return true
	}
	return false
}

type ContentType string

const (
	TypeIssue       ContentType = "issue"
	TypeProject     ContentType = "project"
	TypeCycle       ContentType = "cycle"
	TypeTeam        ContentType = "team"
	TypePullRequest ContentType = "pull-request"
	TypeRepository  ContentType = "repository"
	TypeCommit      ContentType = "commit"
	TypeDocument    ContentType = "document"
	TypePage        ContentType = "page"
	TypeTable       ContentType = "table"
)

type RelationshipType string

const (
	RelParentChild RelationshipType = "parent-child"
	RelRelated     RelationshipType = "related"
)

// ContentID builds the canonical {source}-{contentType}-{sourceId} id.
func ContentID(source Source, contentType ContentType, sourceID string) string {
	return string(source) + "-" + string(contentType) + "-" + sourceID
}

type Person struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type NamedRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StructuredData holds the typed facets shared across sources. Extensions
// carries source specific facets such as "linkedPRs".
type StructuredData struct {
	Status      string                     `json:"status,omitempty"`
	Priority    string                     `json:"priority,omitempty"`
	Estimate    *float64                   `json:"estimate,omitempty"`
	Assignees   []Person                   `json:"assignees,omitempty"`
	Labels      []string                   `json:"labels,omitempty"`
	Project     *NamedRef                  `json:"project,omitempty"`
	Team        *NamedRef                  `json:"team,omitempty"`
	Cycle       *NamedRef                  `json:"cycle,omitempty"`
	StartedAt   *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt *time.Time                 `json:"completedAt,omitempty"`
	DueAt       *time.Time                 `json:"dueAt,omitempty"`
	MergedAt    *time.Time                 `json:"mergedAt,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

type UnifiedContent struct {
	ID             string          `json:"id"`
	Source         Source          `json:"source"`
	ContentType    ContentType     `json:"contentType"`
	Title          string          `json:"title"`
	Description    *string         `json:"description,omitempty"`
	URL            *string         `json:"url,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ExtractedAt    time.Time       `json:"extractedAt"`
	ParentID       *string         `json:"parentId,omitempty"`
	ChildIDs       []string        `json:"childIds,omitempty"`
	RelatedIDs     []string        `json:"relatedIds,omitempty"`
	SourceMetadata json.RawMessage `json:"sourceMetadata,omitempty"`
	Content        string          `json:"content"`
	SearchableText string          `json:"searchableText"`
	Keywords       []string        `json:"keywords"`
	StructuredData *StructuredData `json:"structuredData,omitempty"`
}

type ContentRelationship struct {
	ParentID         string           `json:"parentId"`
	ChildID          string           `json:"childId"`
	RelationshipType RelationshipType `json:"relationshipType"`
}

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

type SyncRecord struct {
	ID             string    `json:"id"`
	Source         Source    `json:"source"`
	Mode           SyncMode  `json:"mode"`
	SyncTime       time.Time `json:"syncTime"`
	ItemsProcessed int       `json:"itemsProcessed"`
	ItemsAdded     int       `json:"itemsAdded"`
	ItemsUpdated   int       `json:"itemsUpdated"`
	Success        bool      `json:"success"`
	Errors         []string  `json:"errors"`
	DurationMs     int64     `json:"durationMs"`
}

type TimeField string

const (
	TimeFieldCreated   TimeField = "created"
	TimeFieldUpdated   TimeField = "updated"
	TimeFieldExtracted TimeField = "extracted"
)

type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
	SortTitle     SortField = "title"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// TimeRange bounds are inclusive; a nil bound is open.
type TimeRange struct {
	Field TimeField  `json:"field"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type DataQuery struct {
	Sources      []Source      `json:"sources,omitempty"`
	ContentTypes []ContentType `json:"contentTypes,omitempty"`
	TimeRange    *TimeRange    `json:"timeRange,omitempty"`
	Search       string        `json:"search,omitempty"`
	SortBy       SortField     `json:"sortBy,omitempty"`
	SortOrder    SortOrder     `json:"sortOrder,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
}

type DataQueryResult struct {
	Items      []UnifiedContent `json:"items"`
	TotalCount int              `json:"totalCount"`
	HasMore    bool             `json:"hasMore"`
}

type ContentCount struct {
	Source      Source      `json:"source"`
	ContentType ContentType `json:"contentType"`
	Count       int         `json:"count"`
}
