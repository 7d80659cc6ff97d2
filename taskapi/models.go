package taskapi

import "time"

// Workspace is an entry of the current user's workspace list.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ownWorkspacesResponse struct {
	Workspaces []Workspace `json:"workspaces"`
}

// WorkspaceMemberRole is the role of a user inside a workspace.
type WorkspaceMemberRole string

const (
	RoleOwner     WorkspaceMemberRole = "OWNER"
	RoleModerator WorkspaceMemberRole = "MODERATOR"
	RoleMember    WorkspaceMemberRole = "MEMBER"
)

type WorkspaceMember struct {
	ID          string              `json:"id"`
	UserID      string              `json:"userId"`
	WorkspaceID string              `json:"workspaceId"`
	DisplayName string              `json:"displayName"`
	FullName    string              `json:"fullName"`
	Role        WorkspaceMemberRole `json:"role"`
	JoinedAt    time.Time           `json:"joinedAt"`
}

// Pagination describes one page of a paginated listing.
type Pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	TotalPage int `json:"totalPage"`
	TotalItem int `json:"totalItem"`
}

type WorkspaceMembers struct {
	Members    []WorkspaceMember `json:"members"`
	Pagination *Pagination       `json:"paginationResponse"`
}

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectInactive ProjectStatus = "INACTIVE"
)

// Workflow is one task status and the statuses a task may move from into it.
type Workflow struct {
	PreviousStatuses []string `json:"previousStatuses"`
	Status           string   `json:"status"`
}

type Project struct {
	ID                  string        `json:"id"`
	WorkspaceID         string        `json:"workspaceId"`
	Name                string        `json:"name"`
	ProjectPrefix       string        `json:"projectPrefix"`
	Description         *string       `json:"description"`
	Status              ProjectStatus `json:"status"`
	SprintRunningNumber int           `json:"sprintRunningNumber"`
	TaskRunningNumber   int           `json:"taskRunningNumber"`
	Workflows           []Workflow    `json:"workflows"`
	Positions           []string      `json:"positions"`
	CreatedAt           time.Time     `json:"createdAt"`
	CreatedBy           string        `json:"createdBy"`
	UpdatedAt           time.Time     `json:"updatedAt"`
	UpdatedBy           string        `json:"updatedBy"`
}

type ProjectMember struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	FullName    string    `json:"fullName"`
	Position    string    `json:"position"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type ProjectMembers struct {
	Members    []ProjectMember `json:"members"`
	Pagination *Pagination     `json:"paginationResponse"`
}

type Sprint struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	Title      string     `json:"title"`
	SprintGoal *string    `json:"sprintGoal"`
	StartDate  *time.Time `json:"startDate"`
	EndDate    *time.Time `json:"endDate"`
	CreatedAt  time.Time  `json:"createdAt"`
	CreatedBy  string     `json:"createdBy"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	UpdatedBy  string     `json:"updatedBy"`
}

// UserProfile is the public profile of a user.
type UserProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FullName    string    `json:"fullName"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type UserSearchResult struct {
	Users      []UserProfile `json:"users"`
	Pagination *Pagination   `json:"paginationResponse"`
}

// Invitation is an invitation received by the current user.
type Invitation struct {
	InvitationID       string     `json:"invitationId"`
	WorkspaceID        string     `json:"workspaceId"`
	WorkspaceName      string     `json:"workspaceName"`
	Status             string     `json:"status"`
	CustomMessage      *string    `json:"customMessage"`
	InvitedAt          string     `json:"invitedAt"`
	InviterDisplayName string     `json:"inviterDisplayName"`
	InviterFullName    string     `json:"inviterFullName"`
	InviterUserID      string     `json:"inviterUserId"`
	ExpiredAt          string     `json:"expiredAt"`
	IsExpired          bool       `json:"isExpired"`
	RespondedAt        *time.Time `json:"respondedAt"`
}

type userInvitationsResponse struct {
	Invitations []Invitation `json:"invitations"`
}

// SentInvitation is an invitation as seen by the owner of the workspace that
// sent it.
type SentInvitation struct {
	Invitation
	InviteeDisplayName string `json:"inviteeDisplayName"`
	InviteeFullName    string `json:"inviteeFullName"`
	InviteeUserID      string `json:"inviteeUserId"`
}

type WorkspaceInvitations struct {
	Invitations []SentInvitation `json:"invitations"`
	Pagination  Pagination       `json:"paginationResponse"`
}

type CreateProjectRequest struct {
	Name          string   `json:"name"`
	WorkspaceID   string   `json:"workspaceID"`
	ProjectPrefix string   `json:"projectPrefix"`
	Description   string   `json:"description,omitempty"`
	UserIDs       []string `json:"userIDs,omitempty"`
}

type CreateProjectResponse struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspaceId"`
	Name          string `json:"name"`
	ProjectPrefix string `json:"projectPrefix"`
	Description   string `json:"description"`
}

type CreateInvitationRequest struct {
	WorkspaceID   string `json:"workspaceId"`
	InviteeUserID string `json:"inviteeUserId"`
	CustomMessage string `json:"customMessage,omitempty"`
}

// InvitationAction is the invitee's answer to an invitation.
type InvitationAction string

const (
	InvitationAccept  InvitationAction = "ACCEPT"
	InvitationDecline InvitationAction = "DECLINE"
)

type RespondInvitationRequest struct {
	InvitationID string           `json:"invitationId"`
	Action       InvitationAction `json:"action"`
}

// MessageResponse is the acknowledgement returned by mutations.
type MessageResponse struct {
	Message string `json:"message"`
}
