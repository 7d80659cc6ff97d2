package taskapi

import (
	"context"

	"github.com/ambiyansyah-risyal/querysync"
	"github.com/ambiyansyah-risyal/querysync/querykeys"
)

// BindMyWorkspaces binds the current user's workspace list.
func (a *API) BindMyWorkspaces(options ...querysync.SubscribeOption) *querysync.Binding[[]Workspace] {
	return querysync.Bind(a.cache, querykeys.Workspace.My(MyWorkspacesFilter), a.MyWorkspaces, options...)
}

func (a *API) BindWorkspaceMembers(workspaceID string, options ...querysync.SubscribeOption) *querysync.Binding[WorkspaceMembers] {
	return querysync.Bind(a.cache, querykeys.Workspace.Members(workspaceID), func(ctx context.Context) (WorkspaceMembers, error) {
		return a.WorkspaceMembers(ctx, workspaceID)
	}, options...)
}

func (a *API) BindMyProjects(workspaceID string, options ...querysync.SubscribeOption) *querysync.Binding[[]Project] {
	return querysync.Bind(a.cache, querykeys.Project.Mine(workspaceID), func(ctx context.Context) ([]Project, error) {
		return a.MyProjects(ctx, workspaceID)
	}, options...)
}

func (a *API) BindProject(projectID string, options ...querysync.SubscribeOption) *querysync.Binding[Project] {
	return querysync.Bind(a.cache, querykeys.Project.Detail(projectID), func(ctx context.Context) (Project, error) {
		return a.Project(ctx, projectID)
	}, options...)
}

func (a *API) BindProjectMembers(projectID string, options ...querysync.SubscribeOption) *querysync.Binding[ProjectMembers] {
	return querysync.Bind(a.cache, querykeys.Project.Members(projectID), func(ctx context.Context) (ProjectMembers, error) {
		return a.ProjectMembers(ctx, projectID)
	}, options...)
}

func (a *API) BindProjectPositions(projectID string, options ...querysync.SubscribeOption) *querysync.Binding[[]string] {
	return querysync.Bind(a.cache, querykeys.Project.Positions(projectID), func(ctx context.Context) ([]string, error) {
		return a.ProjectPositions(ctx, projectID)
	}, options...)
}

func (a *API) BindProjectWorkflows(projectID string, options ...querysync.SubscribeOption) *querysync.Binding[[]Workflow] {
	return querysync.Bind(a.cache, querykeys.Project.Workflows(projectID), func(ctx context.Context) ([]Workflow, error) {
		return a.ProjectWorkflows(ctx, projectID)
	}, options...)
}

func (a *API) BindSprint(projectID, sprintID string, options ...querysync.SubscribeOption) *querysync.Binding[Sprint] {
	return querysync.Bind(a.cache, querykeys.Sprint.Detail(projectID, sprintID), func(ctx context.Context) (Sprint, error) {
		return a.Sprint(ctx, projectID, sprintID)
	}, options...)
}

func (a *API) BindProfile(options ...querysync.SubscribeOption) *querysync.Binding[UserProfile] {
	return querysync.Bind(a.cache, querykeys.User.Profile(), a.Profile, options...)
}

// BindUserSearch binds a user search. An empty keyword registers the binding
// without fetching, so a search box can bind before the user types.
func (a *API) BindUserSearch(keyword string, options ...querysync.SubscribeOption) *querysync.Binding[UserSearchResult] {
	if keyword == "" {
		options = append(options, querysync.WithEnabled(false))
	}
	return querysync.Bind(a.cache, querykeys.User.Search(keyword), func(ctx context.Context) (UserSearchResult, error) {
		return a.SearchUsers(ctx, keyword)
	}, options...)
}

func (a *API) BindMyInvitations(options ...querysync.SubscribeOption) *querysync.Binding[[]Invitation] {
	return querysync.Bind(a.cache, querykeys.Invitation.ForUser(), a.MyInvitations, options...)
}

func (a *API) BindWorkspaceInvitations(workspaceID string, options ...querysync.SubscribeOption) *querysync.Binding[WorkspaceInvitations] {
	return querysync.Bind(a.cache, querykeys.Invitation.ForWorkspace(workspaceID), func(ctx context.Context) (WorkspaceInvitations, error) {
		return a.WorkspaceInvitations(ctx, workspaceID)
	}, options...)
}

// PrefetchProject loads a project into the cache ahead of a binding, e.g.
// when a project row is hovered.
func (a *API) PrefetchProject(ctx context.Context, projectID string) error {
	_, err := a.cache.Fetch(ctx, querykeys.Project.Detail(projectID), func(ctx context.Context) (any, error) {
		return a.Project(ctx, projectID)
	})
	return err
}
