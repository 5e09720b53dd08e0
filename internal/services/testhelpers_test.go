package services

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Product{}, &models.Engagement{}, &models.Test{},
		&models.Finding{}, &models.StubFinding{}, &models.FindingGroup{},
		&models.Endpoint{}, &models.Note{}, &models.VulnerabilityID{},
		&models.FindingAttachment{}, &models.RiskAcceptance{},
		&models.JIRAInstance{}, &models.JIRAProject{}, &models.JIRAIssue{},
		&models.SystemConfig{}, &models.Alert{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakeClient is a scriptable TrackerClient recording every call.
type fakeClient struct {
	createCalls   []FieldMap
	updateCalls   []fakeUpdate
	transitioned  []string
	comments      []string
	assignees     []string
	attachments   []string
	epicAdds      [][2]string
	transitions   []Transition
	remote        *RemoteIssue
	allowedFields map[string]bool

	createErr error
	updateErr error
	getErr    error
	epicErr   error
	attachErr error
	metaErr   error

	nextID int
}

type fakeUpdate struct {
	ID     string
	Fields FieldMap
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		allowedFields: map[string]bool{
			"summary": true, "description": true, "labels": true,
			"environment": true, "priority": true, "duedate": true,
			"components": true,
		},
		transitions: []Transition{
			{ID: "2", Name: "Resolve Issue"},
			{ID: "3", Name: "Reopen Issue"},
		},
	}
}

func (f *fakeClient) CreateIssue(fields FieldMap) (*CreatedIssue, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.createCalls = append(f.createCalls, fields)
	return &CreatedIssue{ID: fmt.Sprintf("1000%d", f.nextID), Key: fmt.Sprintf("TEST-%d", f.nextID)}, nil
}

func (f *fakeClient) UpdateIssue(issueID string, fields FieldMap) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updateCalls = append(f.updateCalls, fakeUpdate{ID: issueID, Fields: fields})
	return nil
}

func (f *fakeClient) GetIssue(issueID string) (*RemoteIssue, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.remote != nil {
		remote := *f.remote
		return &remote, nil
	}
	return &RemoteIssue{ID: issueID, Key: "TEST-1", Status: "Open", Updated: time.Now()}, nil
}

func (f *fakeClient) ListTransitions(issueID string) ([]Transition, error) {
	return f.transitions, nil
}

func (f *fakeClient) TransitionIssue(issueID, transitionID string) error {
	f.transitioned = append(f.transitioned, transitionID)
	return nil
}

func (f *fakeClient) AddComment(issueID, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeClient) AddAttachment(issueID, filename string, content io.Reader) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attachments = append(f.attachments, filename)
	return nil
}

func (f *fakeClient) AssignIssue(issueID, username string) error {
	f.assignees = append(f.assignees, username)
	return nil
}

func (f *fakeClient) AddIssueToEpic(epicID, issueID string) error {
	if f.epicErr != nil {
		return f.epicErr
	}
	f.epicAdds = append(f.epicAdds, [2]string{epicID, issueID})
	return nil
}

func (f *fakeClient) GetIssueTypeFields(projectKey, issueTypeName string) (map[string]bool, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return f.allowedFields, nil
}

// newTestService wires a JiraService against an in-memory database and a
// fake tracker.
func newTestService(t *testing.T) (*JiraService, *gorm.DB, *fakeClient) {
	t.Helper()
	db := newTestDB(t)
	fake := newFakeClient()
	cfg := &config.JiraConfig{SyncActor: "JIRA", RequestTimeoutSeconds: 5}
	svc := NewJiraService(db, cfg, NewNotificationService(db, ""))
	svc.connect = func(*models.JIRAInstance) (TrackerClient, error) {
		return fake, nil
	}
	return svc, db, fake
}

// world is a seeded product/engagement/test chain with a JIRA binding.
type world struct {
	Product    *models.Product
	Engagement *models.Engagement
	Test       *models.Test
	Instance   *models.JIRAInstance
	Project    *models.JIRAProject
}

func seedWorld(t *testing.T, db *gorm.DB) *world {
	t.Helper()
	w := &world{
		Product: &models.Product{Name: "My App", SLAEnabled: true},
	}
	mustCreate(t, db, w.Product)

	w.Engagement = &models.Engagement{Name: "Q3 Pentest", ProductID: w.Product.ID, Active: true}
	mustCreate(t, db, w.Engagement)

	w.Test = &models.Test{Title: "ZAP Scan", TestType: "Dynamic", EngagementID: w.Engagement.ID}
	mustCreate(t, db, w.Test)

	w.Instance = &models.JIRAInstance{
		Name:             "Main JIRA",
		URL:              "https://jira.example.com",
		Username:         "syncbot",
		Password:         "secret",
		DefaultIssueType: "Bug",
		CloseStatusKey:   "2",
		OpenStatusKey:    "3",
	}
	mustCreate(t, db, w.Instance)

	w.Project = &models.JIRAProject{
		JIRAInstanceID: w.Instance.ID,
		ProductID:      &w.Product.ID,
		ProjectKey:     "TEST",
		Enabled:        true,
	}
	mustCreate(t, db, w.Project)
	return w
}

func mustCreate(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("create %T: %v", value, err)
	}
}

func seedFinding(t *testing.T, db *gorm.DB, w *world, mutate func(*models.Finding)) *models.Finding {
	t.Helper()
	finding := &models.Finding{
		Title:    "SQL injection in login form",
		Severity: models.SeverityHigh,
		Active:   true,
		Verified: true,
		TestID:   w.Test.ID,
		Date:     time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(finding)
	}
	mustCreate(t, db, finding)
	return finding
}
