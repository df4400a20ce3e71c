package backlog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Client talks to the Backlog REST API (api/v2). All calls carry the apiKey
// query parameter and a fixed timeout; 429 and 5xx responses are retried
// with backoff before the caller sees an error.
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient creates a tracker client for the given API base URL, e.g.
// "https://example.backlog.com/api/v2". Tests point this at a local server.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(3 * time.Second).
		SetRetryMaxWaitTime(15 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetQueryParam("apiKey", apiKey).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// SpaceBaseURL builds the API base URL for a Backlog space name.
func SpaceBaseURL(spaceName string) string {
	return fmt.Sprintf("https://%s.backlog.com/api/v2", spaceName)
}

// SearchParams filter an issue search. Zero values are omitted.
type SearchParams struct {
	ProjectID   string
	StatusIDs   []int
	AssigneeIDs []string
	Count       int
	Sort        string
	Order       string
}

// SearchIssues lists issues matching the filter.
func (c *Client) SearchIssues(ctx context.Context, p SearchParams) ([]Issue, error) {
	req := c.httpClient.R().SetContext(ctx)
	qv := url.Values{}
	if p.ProjectID != "" {
		qv.Add("projectId[]", p.ProjectID)
	}
	for _, id := range p.StatusIDs {
		qv.Add("statusId[]", strconv.Itoa(id))
	}
	for _, id := range p.AssigneeIDs {
		qv.Add("assigneeId[]", id)
	}
	req.SetQueryParamsFromValues(qv)
	if p.Count > 0 {
		req.SetQueryParam("count", strconv.Itoa(p.Count))
	}
	if p.Sort != "" {
		req.SetQueryParam("sort", p.Sort)
	}
	if p.Order != "" {
		req.SetQueryParam("order", p.Order)
	}

	var issues []Issue
	resp, err := req.SetResult(&issues).Get("/issues")
	if err != nil {
		return nil, fmt.Errorf("failed to search issues: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("issue search returned %d: %s", resp.StatusCode(), resp.String())
	}
	return issues, nil
}

// UpdateIssue patches an issue's status and, when assigneeID is non-empty,
// its assignee. issueIDOrKey accepts either the numeric id or the issue key.
func (c *Client) UpdateIssue(ctx context.Context, issueIDOrKey string, statusID int, assigneeID string) (*Issue, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("statusId", strconv.Itoa(statusID))
	if assigneeID != "" {
		req.SetQueryParam("assigneeId", assigneeID)
	}

	var issue Issue
	resp, err := req.SetResult(&issue).Patch("/issues/" + issueIDOrKey)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", issueIDOrKey, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("issue update %s returned %d: %s", issueIDOrKey, resp.StatusCode(), resp.String())
	}
	return &issue, nil
}

// CreateIssueParams describe a new billing issue. CustomFields maps field id
// to its rendered value.
type CreateIssueParams struct {
	ProjectID    string
	Summary      string
	Description  string
	IssueTypeID  int64
	PriorityID   int64
	CustomFields map[int64]string
}

// CreateIssue opens a new issue and returns it.
func (c *Client) CreateIssue(ctx context.Context, p CreateIssueParams) (*Issue, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("projectId", p.ProjectID).
		SetQueryParam("summary", p.Summary).
		SetQueryParam("description", p.Description).
		SetQueryParam("issueTypeId", strconv.FormatInt(p.IssueTypeID, 10)).
		SetQueryParam("priorityId", strconv.FormatInt(p.PriorityID, 10))
	for id, value := range p.CustomFields {
		req.SetQueryParam(fmt.Sprintf("customField_%d", id), value)
	}

	var issue Issue
	resp, err := req.SetResult(&issue).Post("/issues")
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("issue creation returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &issue, nil
}

// GetProject fetches project metadata (used for log lines only).
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var project Project
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&project).
		Get("/projects/" + projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("project fetch %s returned %d: %s", projectID, resp.StatusCode(), resp.String())
	}
	return &project, nil
}

// GetIssueTypes lists a project's issue types. The ingester resolves the EMR
// system name ("CLIUS", "紙カルテ", ...) to its issue type here.
func (c *Client) GetIssueTypes(ctx context.Context, projectID string) ([]NamedEntity, error) {
	var types []NamedEntity
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&types).
		Get("/projects/" + projectID + "/issueTypes")
	if err != nil {
		return nil, fmt.Errorf("failed to get issue types: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("issue types fetch returned %d: %s", resp.StatusCode(), resp.String())
	}
	return types, nil
}

// GetPriorities lists the space-wide priorities.
func (c *Client) GetPriorities(ctx context.Context) ([]NamedEntity, error) {
	var priorities []NamedEntity
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&priorities).
		Get("/priorities")
	if err != nil {
		return nil, fmt.Errorf("failed to get priorities: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("priorities fetch returned %d: %s", resp.StatusCode(), resp.String())
	}
	return priorities, nil
}

// CustomFieldDef is a project custom-field definition.
type CustomFieldDef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GetCustomFields lists a project's custom-field definitions.
func (c *Client) GetCustomFields(ctx context.Context, projectID string) ([]CustomFieldDef, error) {
	var fields []CustomFieldDef
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&fields).
		Get("/projects/" + projectID + "/customFields")
	if err != nil {
		return nil, fmt.Errorf("failed to get custom fields: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("custom fields fetch returned %d: %s", resp.StatusCode(), resp.String())
	}
	return fields, nil
}
