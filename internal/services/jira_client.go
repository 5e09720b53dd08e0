package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/huangang/vulnsync/pkg/logger"
)

// FieldMap is a JIRA issue field payload, keyed by JIRA field id.
type FieldMap map[string]interface{}

// CreatedIssue is the identity pair returned by an issue create.
type CreatedIssue struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// IssueComment is a remote comment snapshot.
type IssueComment struct {
	Author  string    `json:"author"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

// Transition is one workflow transition available on an issue.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RemoteIssue is the snapshot of a JIRA issue the sync core works with.
type RemoteIssue struct {
	ID              string
	Key             string
	Summary         string
	Status          string
	Resolution      string // "" when unresolved
	ResolutionID    string
	Assignee        string
	Labels          []string
	Components      []string
	AttachmentNames []string
	Comments        []IssueComment
	Created         time.Time
	Updated         time.Time
}

// IsActive reports whether the issue counts as unresolved. JIRA serializes
// the resolution as null, an object, or occasionally the literal string
// "None"; only null and "None" are active.
func (r *RemoteIssue) IsActive() bool {
	return r.Resolution == "" || r.Resolution == "None"
}

// TrackerClient is the capability interface of the external tracker. The
// push/reconcile core only ever talks to this interface; the REST client
// below is the production implementation and tests substitute a fake.
type TrackerClient interface {
	CreateIssue(fields FieldMap) (*CreatedIssue, error)
	UpdateIssue(issueID string, fields FieldMap) error
	GetIssue(issueID string) (*RemoteIssue, error)
	ListTransitions(issueID string) ([]Transition, error)
	TransitionIssue(issueID, transitionID string) error
	AddComment(issueID, body string) error
	AddAttachment(issueID, filename string, content io.Reader) error
	AssignIssue(issueID, username string) error
	AddIssueToEpic(epicID, issueID string) error
	GetIssueTypeFields(projectKey, issueTypeName string) (map[string]bool, error)
}

// jiraClient talks to the JIRA REST API v2 with basic auth. Every call is a
// single attempt; retry policy belongs to the task layer.
type jiraClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewJiraClient builds a REST client for one JIRA server.
func NewJiraClient(baseURL, username, password string, timeout time.Duration) *jiraClient {
	return &jiraClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// Verify checks the credentials with a cheap authenticated call.
func (c *jiraClient) Verify() error {
	return c.doJSON("GET", "/rest/api/2/myself", nil, nil)
}

func (c *jiraClient) doJSON(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		data, _ := io.ReadAll(resp.Body)
		return &ConnectionError{URL: c.baseURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(data)))}
	}
	if resp.StatusCode == 404 {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("jira %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *jiraClient) CreateIssue(fields FieldMap) (*CreatedIssue, error) {
	var created CreatedIssue
	if err := c.doJSON("POST", "/rest/api/2/issue", map[string]interface{}{"fields": fields}, &created); err != nil {
		return nil, &RemoteWriteError{Op: "create", Err: err}
	}
	return &created, nil
}

func (c *jiraClient) UpdateIssue(issueID string, fields FieldMap) error {
	path := "/rest/api/2/issue/" + url.PathEscape(issueID)
	if err := c.doJSON("PUT", path, map[string]interface{}{"fields": fields}, nil); err != nil {
		return &RemoteWriteError{Op: "update", IssueKey: issueID, Err: err}
	}
	return nil
}

// jiraIssuePayload matches the wire shape of GET /rest/api/2/issue.
type jiraIssuePayload struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Resolution json.RawMessage `json:"resolution"`
		Assignee   struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Labels     []string `json:"labels"`
		Components []struct {
			Name string `json:"name"`
		} `json:"components"`
		Attachment []struct {
			Filename string `json:"filename"`
		} `json:"attachment"`
		Comment struct {
			Comments []struct {
				Author struct {
					Name        string `json:"name"`
					DisplayName string `json:"displayName"`
				} `json:"author"`
				Body    string `json:"body"`
				Created string `json:"created"`
			} `json:"comments"`
		} `json:"comment"`
		Created string `json:"created"`
		Updated string `json:"updated"`
	} `json:"fields"`
}

const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

func (c *jiraClient) GetIssue(issueID string) (*RemoteIssue, error) {
	var payload jiraIssuePayload
	path := "/rest/api/2/issue/" + url.PathEscape(issueID)
	if err := c.doJSON("GET", path, nil, &payload); err != nil {
		return nil, err
	}

	issue := &RemoteIssue{
		ID:       payload.ID,
		Key:      payload.Key,
		Summary:  payload.Fields.Summary,
		Status:   payload.Fields.Status.Name,
		Assignee: payload.Fields.Assignee.Name,
		Labels:   payload.Fields.Labels,
	}
	if issue.Assignee == "" {
		issue.Assignee = payload.Fields.Assignee.DisplayName
	}
	issue.Resolution, issue.ResolutionID = parseResolution(payload.Fields.Resolution)
	for _, comp := range payload.Fields.Components {
		issue.Components = append(issue.Components, comp.Name)
	}
	for _, att := range payload.Fields.Attachment {
		issue.AttachmentNames = append(issue.AttachmentNames, att.Filename)
	}
	for _, cm := range payload.Fields.Comment.Comments {
		comment := IssueComment{Author: cm.Author.Name, Body: cm.Body}
		if comment.Author == "" {
			comment.Author = cm.Author.DisplayName
		}
		if t, err := time.Parse(jiraTimeLayout, cm.Created); err == nil {
			comment.Created = t
		}
		issue.Comments = append(issue.Comments, comment)
	}
	if t, err := time.Parse(jiraTimeLayout, payload.Fields.Created); err == nil {
		issue.Created = t
	}
	if t, err := time.Parse(jiraTimeLayout, payload.Fields.Updated); err == nil {
		issue.Updated = t
	}
	return issue, nil
}

// parseResolution tolerates the three shapes JIRA emits: null, an object,
// or a bare string.
func parseResolution(raw json.RawMessage) (name, id string) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ""
	}
	var obj struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Name != "" {
		return obj.Name, obj.ID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	return "", ""
}

func (c *jiraClient) ListTransitions(issueID string) ([]Transition, error) {
	var payload struct {
		Transitions []Transition `json:"transitions"`
	}
	path := "/rest/api/2/issue/" + url.PathEscape(issueID) + "/transitions"
	if err := c.doJSON("GET", path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Transitions, nil
}

func (c *jiraClient) TransitionIssue(issueID, transitionID string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(issueID) + "/transitions"
	body := map[string]interface{}{
		"transition": map[string]string{"id": transitionID},
	}
	if err := c.doJSON("POST", path, body, nil); err != nil {
		return &RemoteWriteError{Op: "transition", IssueKey: issueID, Err: err}
	}
	return nil
}

func (c *jiraClient) AddComment(issueID, body string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(issueID) + "/comment"
	if err := c.doJSON("POST", path, map[string]string{"body": body}, nil); err != nil {
		return &RemoteWriteError{Op: "comment", IssueKey: issueID, Err: err}
	}
	return nil
}

func (c *jiraClient) AddAttachment(issueID, filename string, content io.Reader) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	path := "/rest/api/2/issue/" + url.PathEscape(issueID) + "/attachments"
	req, err := http.NewRequest("POST", c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	// Required by JIRA for attachment uploads.
	req.Header.Set("X-Atlassian-Token", "no-check")

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteWriteError{Op: "attachment", IssueKey: issueID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &RemoteWriteError{Op: "attachment", IssueKey: issueID, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	return nil
}

func (c *jiraClient) AssignIssue(issueID, username string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(issueID) + "/assignee"
	if err := c.doJSON("PUT", path, map[string]string{"name": username}, nil); err != nil {
		return &RemoteWriteError{Op: "assign", IssueKey: issueID, Err: err}
	}
	return nil
}

func (c *jiraClient) AddIssueToEpic(epicID, issueID string) error {
	path := "/rest/agile/1.0/epic/" + url.PathEscape(epicID) + "/issue"
	body := map[string]interface{}{"issues": []string{issueID}}
	if err := c.doJSON("POST", path, body, nil); err != nil {
		return &RemoteWriteError{Op: "epic link", IssueKey: issueID, Err: err}
	}
	return nil
}

// GetIssueTypeFields queries createmeta for the allowed field ids of one
// issue type in one project. Queried per push; the result is cold metadata.
func (c *jiraClient) GetIssueTypeFields(projectKey, issueTypeName string) (map[string]bool, error) {
	var payload struct {
		Projects []struct {
			IssueTypes []struct {
				Name   string                     `json:"name"`
				Fields map[string]json.RawMessage `json:"fields"`
			} `json:"issuetypes"`
		} `json:"projects"`
	}

	path := "/rest/api/2/issue/createmeta?projectKeys=" + url.QueryEscape(projectKey) +
		"&issuetypeNames=" + url.QueryEscape(issueTypeName) +
		"&expand=projects.issuetypes.fields"
	if err := c.doJSON("GET", path, nil, &payload); err != nil {
		return nil, &MetadataError{ProjectKey: projectKey, IssueType: issueTypeName, Err: err}
	}

	if len(payload.Projects) == 0 {
		return nil, &MetadataError{ProjectKey: projectKey, IssueType: issueTypeName,
			Err: fmt.Errorf("project misconfigured or no permissions in jira")}
	}
	for _, it := range payload.Projects[0].IssueTypes {
		if it.Name != issueTypeName {
			continue
		}
		fields := make(map[string]bool, len(it.Fields))
		for id := range it.Fields {
			fields[id] = true
		}
		logger.Debugf("[Jira] createmeta %s/%s returned %d fields", projectKey, issueTypeName, len(fields))
		return fields, nil
	}
	return nil, &MetadataError{ProjectKey: projectKey, IssueType: issueTypeName,
		Err: fmt.Errorf("misconfigured default issue type")}
}
