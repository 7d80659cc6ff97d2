// Package querykeys builds the query keys of the task-tracking API.
//
// Keys run from the most general segment to the most specific, so
// invalidating a key also invalidates everything built under it. For example
// Project.Detail(id) is a prefix of Project.Members(id), and
// Task.Project(id) is a prefix of every task list and task detail key of that
// project.
package querykeys

import "github.com/ambiyansyah-risyal/querysync"

// Family names, the first segment of every key.
const (
	FamilyWorkspace  = "workspace"
	FamilyProject    = "project"
	FamilySprint     = "sprint"
	FamilyTask       = "task"
	FamilyInvitation = "invitation"
	FamilyUser       = "user"
)

// Key families.
var (
	Workspace  WorkspaceKeys
	Project    ProjectKeys
	Sprint     SprintKeys
	Task       TaskKeys
	Invitation InvitationKeys
	User       UserKeys
)

type WorkspaceKeys struct{}

func (WorkspaceKeys) All() querysync.QueryKey {
	return querysync.Key(FamilyWorkspace)
}

// My is the list of workspaces of the current user. filter selects the
// listing variant; the web client uses "m".
func (WorkspaceKeys) My(filter string) querysync.QueryKey {
	return querysync.Key(FamilyWorkspace, "my", filter)
}

func (WorkspaceKeys) Members(workspaceID string) querysync.QueryKey {
	return querysync.Key(FamilyWorkspace, "members", workspaceID)
}

type ProjectKeys struct{}

func (ProjectKeys) All() querysync.QueryKey {
	return querysync.Key(FamilyProject)
}

// Mine is the list of the current user's projects in a workspace.
func (ProjectKeys) Mine(workspaceID string) querysync.QueryKey {
	return querysync.Key(FamilyProject, "mine", workspaceID)
}

// Detail is the project itself and the prefix of its sub-resources.
func (ProjectKeys) Detail(projectID string) querysync.QueryKey {
	return querysync.Key(FamilyProject, "detail", projectID)
}

func (k ProjectKeys) Members(projectID string) querysync.QueryKey {
	return k.Detail(projectID).Append("members")
}

func (k ProjectKeys) Positions(projectID string) querysync.QueryKey {
	return k.Detail(projectID).Append("positions")
}

func (k ProjectKeys) Workflows(projectID string) querysync.QueryKey {
	return k.Detail(projectID).Append("workflows")
}

type SprintKeys struct{}

func (SprintKeys) All() querysync.QueryKey {
	return querysync.Key(FamilySprint)
}

func (SprintKeys) ByProject(projectID string) querysync.QueryKey {
	return querysync.Key(FamilySprint, "project", projectID)
}

func (k SprintKeys) Detail(projectID, sprintID string) querysync.QueryKey {
	return k.ByProject(projectID).Append("detail", sprintID)
}

// TaskFilter narrows a project's task list. Zero fields mean "any".
type TaskFilter struct {
	SprintID   string
	Status     string
	AssigneeID string
	Keyword    string
}

// segments flattens the filter in a fixed order so equal filters build equal
// keys.
func (f TaskFilter) segments() []any {
	return []any{f.SprintID, f.Status, f.AssigneeID, f.Keyword}
}

type TaskKeys struct{}

func (TaskKeys) All() querysync.QueryKey {
	return querysync.Key(FamilyTask)
}

// Project is the prefix of every task key of a project.
func (TaskKeys) Project(projectID string) querysync.QueryKey {
	return querysync.Key(FamilyTask, "project", projectID)
}

func (k TaskKeys) ByProject(projectID string, filter TaskFilter) querysync.QueryKey {
	return k.Project(projectID).Append("list").Append(filter.segments()...)
}

// Detail identifies one task by its project and reference, e.g. "TN-12".
func (k TaskKeys) Detail(projectID, taskRef string) querysync.QueryKey {
	return k.Project(projectID).Append("detail", taskRef)
}

type InvitationKeys struct{}

func (InvitationKeys) All() querysync.QueryKey {
	return querysync.Key(FamilyInvitation)
}

// ForUser is the list of invitations received by the current user.
func (InvitationKeys) ForUser() querysync.QueryKey {
	return querysync.Key(FamilyInvitation, "user")
}

func (InvitationKeys) ForWorkspace(workspaceID string) querysync.QueryKey {
	return querysync.Key(FamilyInvitation, "workspace", workspaceID)
}

type UserKeys struct{}

func (UserKeys) Profile() querysync.QueryKey {
	return querysync.Key(FamilyUser, "profile")
}

func (UserKeys) Search(keyword string) querysync.QueryKey {
	return querysync.Key(FamilyUser, "search", keyword)
}
