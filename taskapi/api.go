// Package taskapi exposes the task-tracking REST API through a QueryCache:
// typed fetchers for every read endpoint, bindings keyed with the querykeys
// families, and mutations that invalidate what they change.
package taskapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ambiyansyah-risyal/querysync"
	"github.com/ambiyansyah-risyal/querysync/querykeys"
)

// MyWorkspacesFilter is the workspace listing variant used by the web client.
const MyWorkspacesFilter = "m"

// API reads and mutates task-tracking resources. Reads go straight to the
// transport; use the Bind methods for cached, shared access.
type API struct {
	client *querysync.Client
	cache  *querysync.QueryCache
}

// New returns an API over client. Mutations invalidate keys in cache.
func New(client *querysync.Client, cache *querysync.QueryCache) *API {
	return &API{client: client, cache: cache}
}

// Cache returns the cache the API invalidates.
func (a *API) Cache() *querysync.QueryCache {
	return a.cache
}

func (a *API) Profile(ctx context.Context) (UserProfile, error) {
	return querysync.DoJSON[UserProfile](ctx, a.client, http.MethodGet, "/auth/v1/profile", nil)
}

func (a *API) SearchUsers(ctx context.Context, keyword string) (UserSearchResult, error) {
	path := "/auth/v1/search?" + url.Values{"keyword": {keyword}}.Encode()
	return querysync.DoJSON[UserSearchResult](ctx, a.client, http.MethodGet, path, nil)
}

func (a *API) MyWorkspaces(ctx context.Context) ([]Workspace, error) {
	resp, err := querysync.DoJSON[ownWorkspacesResponse](ctx, a.client, http.MethodGet, "/workspaces/v1/own-workspaces", nil)
	if err != nil {
		return nil, err
	}
	return resp.Workspaces, nil
}

func (a *API) WorkspaceMembers(ctx context.Context, workspaceID string) (WorkspaceMembers, error) {
	path := "/workspaces/v1/" + url.PathEscape(workspaceID) + "/members"
	return querysync.DoJSON[WorkspaceMembers](ctx, a.client, http.MethodGet, path, nil)
}

func (a *API) MyProjects(ctx context.Context, workspaceID string) ([]Project, error) {
	path := "/projects/v1/" + url.PathEscape(workspaceID) + "/my-projects"
	return querysync.DoJSON[[]Project](ctx, a.client, http.MethodGet, path, nil)
}

func (a *API) Project(ctx context.Context, projectID string) (Project, error) {
	return querysync.DoJSON[Project](ctx, a.client, http.MethodGet, projectPath(projectID, ""), nil)
}

func (a *API) ProjectMembers(ctx context.Context, projectID string) (ProjectMembers, error) {
	return querysync.DoJSON[ProjectMembers](ctx, a.client, http.MethodGet, projectPath(projectID, "members"), nil)
}

func (a *API) ProjectPositions(ctx context.Context, projectID string) ([]string, error) {
	return querysync.DoJSON[[]string](ctx, a.client, http.MethodGet, projectPath(projectID, "positions"), nil)
}

func (a *API) ProjectWorkflows(ctx context.Context, projectID string) ([]Workflow, error) {
	return querysync.DoJSON[[]Workflow](ctx, a.client, http.MethodGet, projectPath(projectID, "workflows"), nil)
}

func (a *API) Sprint(ctx context.Context, projectID, sprintID string) (Sprint, error) {
	path := projectPath(projectID, "sprints") + "/" + url.PathEscape(sprintID)
	return querysync.DoJSON[Sprint](ctx, a.client, http.MethodGet, path, nil)
}

func (a *API) MyInvitations(ctx context.Context) ([]Invitation, error) {
	resp, err := querysync.DoJSON[userInvitationsResponse](ctx, a.client, http.MethodGet, "/invitations/v1/users", nil)
	if err != nil {
		return nil, err
	}
	return resp.Invitations, nil
}

// WorkspaceInvitations lists the invitations a workspace has sent. Only the
// workspace owner may call it.
func (a *API) WorkspaceInvitations(ctx context.Context, workspaceID string) (WorkspaceInvitations, error) {
	path := "/invitations/v1/" + url.PathEscape(workspaceID) + "/workspaces/owner"
	return querysync.DoJSON[WorkspaceInvitations](ctx, a.client, http.MethodGet, path, nil)
}

// CreateProject creates a project and invalidates the creator's project
// list for its workspace.
func (a *API) CreateProject(ctx context.Context, req CreateProjectRequest) (CreateProjectResponse, error) {
	resp, err := querysync.DoJSON[CreateProjectResponse](ctx, a.client, http.MethodPost, "/projects/v1", req)
	if err != nil {
		return resp, err
	}
	a.cache.Invalidate(querykeys.Project.Mine(req.WorkspaceID))
	return resp, nil
}

// Invite sends an invitation and invalidates the workspace's sent list.
func (a *API) Invite(ctx context.Context, req CreateInvitationRequest) (MessageResponse, error) {
	resp, err := querysync.DoJSON[MessageResponse](ctx, a.client, http.MethodPost, "/invitations/v1", req)
	if err != nil {
		return resp, err
	}
	a.cache.Invalidate(querykeys.Invitation.ForWorkspace(req.WorkspaceID))
	return resp, nil
}

// RespondToInvitation accepts or declines an invitation. Every invitation
// list is invalidated, and accepting also invalidates the workspace family
// because the user gains a workspace.
func (a *API) RespondToInvitation(ctx context.Context, req RespondInvitationRequest) (MessageResponse, error) {
	resp, err := querysync.DoJSON[MessageResponse](ctx, a.client, http.MethodPut, "/invitations/v1/users", req)
	if err != nil {
		return resp, err
	}
	a.cache.Invalidate(querykeys.Invitation.All())
	if req.Action == InvitationAccept {
		a.cache.Invalidate(querykeys.Workspace.All())
		a.cache.Invalidate(querykeys.Project.All())
	}
	return resp, nil
}

func projectPath(projectID, sub string) string {
	path := "/projects/v1/" + url.PathEscape(projectID)
	if sub != "" {
		path += "/" + sub
	}
	return path
}
