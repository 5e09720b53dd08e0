package services

import (
	"errors"
	"fmt"

	"github.com/huangang/vulnsync/internal/models"
)

// ErrNotFound is returned when a referenced record or remote issue does not exist.
var ErrNotFound = errors.New("not found")

// ConfigurationError means no usable JIRA project/instance configuration
// exists for an entity, or the configured project is disabled. Never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "jira configuration error: " + e.Reason
}

// ConnectionError is an authentication or transport failure while opening a
// JIRA connection. Surfaced as a generic alert and re-raised so the task
// layer can apply its own retry policy.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("jira connection to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("jira connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthFailure reports whether the connection failed on credentials.
func (e *ConnectionError) AuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// MetadataError is a template or issue-type metadata failure. Fatal for the
// current push; the message embeds the project and issue type since these
// are the failures operators diagnose most.
type MetadataError struct {
	ProjectKey string
	IssueType  string
	Err        error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("failed to fetch fields for %s under project %s - %v", e.IssueType, e.ProjectKey, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// RemoteWriteError is a failed create/update/transition/comment/attachment
// call. The push dispatcher classifies it soft or fatal per step.
type RemoteWriteError struct {
	Op         string
	IssueKey   string
	StatusCode int
	Err        error
}

func (e *RemoteWriteError) Error() string {
	if e.IssueKey != "" {
		return fmt.Sprintf("jira %s on %s failed: %v", e.Op, e.IssueKey, e.Err)
	}
	return fmt.Sprintf("jira %s failed: %v", e.Op, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// LinkConflictError means a link-existing-issue request targets an external
// key already claimed at the same scope. The operation fails closed.
type LinkConflictError struct {
	JiraKey string
	Holder  *models.JIRAIssue
}

func (e *LinkConflictError) Error() string {
	switch {
	case e.Holder.FindingID != nil:
		return fmt.Sprintf("jira issue %s is already linked to finding %d", e.JiraKey, *e.Holder.FindingID)
	case e.Holder.FindingGroupID != nil:
		return fmt.Sprintf("jira issue %s is already linked to finding group %d", e.JiraKey, *e.Holder.FindingGroupID)
	}
	return fmt.Sprintf("jira issue %s is already linked elsewhere", e.JiraKey)
}
