package normalize

import (
	"fmt"
	"strings"

	"workweave/api/internal/sources"
	"workweave/api/internal/store"
)

var priorityLabels = map[int]string{
	0: "No priority",
	1: "Urgent",
	2: "High",
	3: "Medium",
	4: "Low",
}

func PriorityLabel(priority int) string {
	if label, ok := priorityLabels[priority]; ok {
		return label
	}
	return priorityLabels[0]
}

type issueMetadata struct {
	Identifier string `json:"identifier"`
	Priority   int    `json:"priority"`
	StateType  string `json:"stateType,omitempty"`
	Creator    string `json:"creator,omitempty"`
}

func TrackerIssue(issue sources.Issue, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize issue", issue.ID); err != nil {
		return store.UnifiedContent{}, err
	}

	var stateName, stateType, assigneeName, projectName, creator string
	if issue.State != nil {
		stateName, stateType = issue.State.Name, issue.State.Type
	}
	if issue.Assignee != nil {
		assigneeName = issue.Assignee.Name
	}
	if issue.Project != nil {
		projectName = issue.Project.Name
	}
	if issue.Creator != nil {
		creator = issue.Creator.Name
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.Name)
	}

	data := &store.StructuredData{
		Status:      stateName,
		Priority:    PriorityLabel(issue.Priority),
		Estimate:    copyFloat(issue.Estimate),
		Labels:      labels,
		StartedAt:   copyTime(issue.StartedAt),
		CompletedAt: copyTime(issue.CompletedAt),
		DueAt:       copyTime(issue.DueDate),
	}
	if issue.Assignee != nil {
		data.Assignees = []store.Person{{ID: issue.Assignee.ID, Name: issue.Assignee.Name, Email: issue.Assignee.Email}}
	}
	data.Project = namedRef(issue.Project)
	data.Team = namedRef(issue.Team)
	data.Cycle = namedRef(issue.Cycle)

	var related []string
	if issue.Project != nil {
		related = append(related, store.ContentID(store.SourceIssueTracker, store.TypeProject, issue.Project.ID))
	}
	if issue.Cycle != nil {
		related = append(related, store.ContentID(store.SourceIssueTracker, store.TypeCycle, issue.Cycle.ID))
	}
	if issue.Team != nil {
		related = append(related, store.ContentID(store.SourceIssueTracker, store.TypeTeam, issue.Team.ID))
	}
	var parentID *string
	if issue.ParentID != "" {
		id := store.ContentID(store.SourceIssueTracker, store.TypeIssue, issue.ParentID)
		parentID = &id
	}

	return store.UnifiedContent{
		ID:          store.ContentID(store.SourceIssueTracker, store.TypeIssue, issue.ID),
		Source:      store.SourceIssueTracker,
		ContentType: store.TypeIssue,
		Title:       issue.Title,
		Description: optional(issue.Description),
		URL:         optional(issue.URL),
		CreatedAt:   issue.CreatedAt.UTC(),
		UpdatedAt:   issue.UpdatedAt.UTC(),
		ExtractedAt: nctx.ExtractedAt.UTC(),
		ParentID:    parentID,
		RelatedIDs:  related,
		SourceMetadata: metadata(issueMetadata{
			Identifier: issue.Identifier,
			Priority:   issue.Priority,
			StateType:  stateType,
			Creator:    creator,
		}),
		Content: issue.Description,
		SearchableText: SearchableText(
			issue.Title,
			issue.Description,
			issue.Identifier,
			stateName,
			assigneeName,
			projectName,
			strings.Join(labels, " "),
		),
		Keywords:       keywords(append([]string{issue.Identifier, stateName, projectName}, labels...)...),
		StructuredData: data,
	}, nil
}

func TrackerProject(project sources.Project, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize project", project.ID); err != nil {
		return store.UnifiedContent{}, err
	}

	var leadName string
	data := &store.StructuredData{
		Status:    project.State,
		StartedAt: copyTime(project.StartDate),
		DueAt:     copyTime(project.TargetDate),
	}
	if project.Lead != nil {
		leadName = project.Lead.Name
		data.Assignees = []store.Person{{ID: project.Lead.ID, Name: project.Lead.Name, Email: project.Lead.Email}}
	}
	var related []string
	teamNames := make([]string, 0, len(project.Teams))
	for _, team := range project.Teams {
		related = append(related, store.ContentID(store.SourceIssueTracker, store.TypeTeam, team.ID))
		teamNames = append(teamNames, team.Name)
	}
	if len(project.Teams) > 0 {
		data.Team = &store.NamedRef{ID: project.Teams[0].ID, Name: project.Teams[0].Name}
	}

	return store.UnifiedContent{
		ID:             store.ContentID(store.SourceIssueTracker, store.TypeProject, project.ID),
		Source:         store.SourceIssueTracker,
		ContentType:    store.TypeProject,
		Title:          project.Name,
		Description:    optional(project.Description),
		URL:            optional(project.URL),
		CreatedAt:      project.CreatedAt.UTC(),
		UpdatedAt:      project.UpdatedAt.UTC(),
		ExtractedAt:    nctx.ExtractedAt.UTC(),
		RelatedIDs:     related,
		SourceMetadata: metadata(map[string]any{"state": project.State}),
		Content:        project.Description,
		SearchableText: SearchableText(project.Name, project.Description, project.State, leadName, strings.Join(teamNames, " ")),
		Keywords:       keywords(append([]string{project.Name, project.State}, teamNames...)...),
		StructuredData: data,
	}, nil
}

func TrackerCycle(cycle sources.Cycle, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize cycle", cycle.ID); err != nil {
		return store.UnifiedContent{}, err
	}

	title := CycleTitle(cycle)
	var teamName string
	data := &store.StructuredData{
		StartedAt:   copyTime(&cycle.StartsAt),
		DueAt:       copyTime(&cycle.EndsAt),
		CompletedAt: copyTime(cycle.CompletedAt),
		Team:        namedRef(cycle.Team),
	}
	if err := SetExtension(data, "number", cycle.Number); err != nil {
		return store.UnifiedContent{}, err
	}
	if cycle.Progress != nil {
		if err := SetExtension(data, "progress", *cycle.Progress); err != nil {
			return store.UnifiedContent{}, err
		}
	}
	var related []string
	if cycle.Team != nil {
		teamName = cycle.Team.Name
		related = append(related, store.ContentID(store.SourceIssueTracker, store.TypeTeam, cycle.Team.ID))
	}

	return store.UnifiedContent{
		ID:             store.ContentID(store.SourceIssueTracker, store.TypeCycle, cycle.ID),
		Source:         store.SourceIssueTracker,
		ContentType:    store.TypeCycle,
		Title:          title,
		URL:            optional(cycle.URL),
		CreatedAt:      cycle.CreatedAt.UTC(),
		UpdatedAt:      cycle.UpdatedAt.UTC(),
		ExtractedAt:    nctx.ExtractedAt.UTC(),
		RelatedIDs:     related,
		SourceMetadata: metadata(map[string]any{"number": cycle.Number}),
		SearchableText: SearchableText(title, fmt.Sprintf("cycle %d", cycle.Number), teamName),
		Keywords:       keywords(title, teamName),
		StructuredData: data,
	}, nil
}

// CycleTitle falls back to "Cycle N" for unnamed cycles.
func CycleTitle(cycle sources.Cycle) string {
	if strings.TrimSpace(cycle.Name) != "" {
		return cycle.Name
	}
	return fmt.Sprintf("Cycle %d", cycle.Number)
}

func TrackerTeam(team sources.Team, nctx Context) (store.UnifiedContent, error) {
	if err := requireID("normalize team", team.ID); err != nil {
		return store.UnifiedContent{}, err
	}

	members := make([]store.Person, 0, len(team.Members))
	names := make([]string, 0, len(team.Members))
	for _, member := range team.Members {
		members = append(members, store.Person{ID: member.ID, Name: member.Name, Email: member.Email})
		names = append(names, member.Name)
	}

	return store.UnifiedContent{
		ID:             store.ContentID(store.SourceIssueTracker, store.TypeTeam, team.ID),
		Source:         store.SourceIssueTracker,
		ContentType:    store.TypeTeam,
		Title:          team.Name,
		Description:    optional(team.Description),
		CreatedAt:      team.CreatedAt.UTC(),
		UpdatedAt:      team.UpdatedAt.UTC(),
		ExtractedAt:    nctx.ExtractedAt.UTC(),
		SourceMetadata: metadata(map[string]any{"key": team.Key}),
		Content:        team.Description,
		SearchableText: SearchableText(team.Name, team.Description, team.Key, strings.Join(names, " ")),
		Keywords:       keywords(team.Key, team.Name),
		StructuredData: &store.StructuredData{Assignees: members},
	}, nil
}

func namedRef(ref *sources.Ref) *store.NamedRef {
	if ref == nil {
		return nil
	}
	return &store.NamedRef{ID: ref.ID, Name: ref.Name}
}
