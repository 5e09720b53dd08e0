package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/config"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var webhookDBCounter int64

type webhookFixture struct {
	db      *gorm.DB
	router  *gin.Engine
	finding *models.Finding
	link    *models.JIRAIssue
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	n := atomic.AddInt64(&webhookDBCounter, 1)
	dsn := fmt.Sprintf("file:webhookdb%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Product{}, &models.Engagement{}, &models.Test{},
		&models.Finding{}, &models.FindingGroup{}, &models.Endpoint{},
		&models.Note{}, &models.RiskAcceptance{},
		&models.JIRAInstance{}, &models.JIRAProject{}, &models.JIRAIssue{},
		&models.SystemConfig{}, &models.Alert{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	product := models.Product{Name: "My App"}
	db.Create(&product)
	engagement := models.Engagement{Name: "Q3 Pentest", ProductID: product.ID, Active: true}
	db.Create(&engagement)
	test := models.Test{Title: "ZAP Scan", TestType: "Dynamic", EngagementID: engagement.ID}
	db.Create(&test)
	instance := models.JIRAInstance{Name: "Main JIRA", URL: "https://jira.example.com", Username: "syncbot"}
	db.Create(&instance)
	project := models.JIRAProject{JIRAInstanceID: instance.ID, ProductID: &product.ID, ProjectKey: "TEST", Enabled: true}
	db.Create(&project)
	finding := models.Finding{
		Title: "SQL injection", Severity: models.SeverityHigh,
		Active: true, Verified: true, TestID: test.ID,
	}
	db.Create(&finding)
	link := models.JIRAIssue{
		JiraID: "10001", JiraKey: "TEST-1",
		FindingID: &finding.ID, JIRAProjectID: &project.ID,
		JiraCreation: time.Now(), JiraChange: time.Now(),
	}
	db.Create(&link)

	cfg := &config.JiraConfig{SyncActor: "JIRA", RequestTimeoutSeconds: 5}
	jiraService := services.NewJiraService(db, cfg, services.NewNotificationService(db, ""))

	router := gin.New()
	router.POST("/api/webhook/jira", NewWebhookHandler(db, jiraService).Handle)
	return &webhookFixture{db: db, router: router, finding: &finding, link: &link}
}

func (f *webhookFixture) post(t *testing.T, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/jira", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func issueUpdatedPayload(resolution string) string {
	return `{
		"webhookEvent": "jira:issue_updated",
		"issue": {
			"id": "10001",
			"key": "TEST-1",
			"fields": {
				"resolution": ` + resolution + `,
				"updated": "2026-05-01T12:00:00.000+0000"
			}
		}
	}`
}

func TestWebhook_ResolvedEventMitigatesFinding(t *testing.T) {
	f := newWebhookFixture(t)

	w := f.post(t, issueUpdatedPayload(`{"id": "1", "name": "Fixed"}`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var stored models.Finding
	f.db.First(&stored, f.finding.ID)
	if stored.Active || !stored.IsMitigated || stored.MitigatedBy != "JIRA" {
		t.Errorf("finding = %+v, want mitigated by the sync actor", stored)
	}
	if stored.Mitigated == nil || stored.Mitigated.UTC().Format("2006-01-02") != "2026-05-01" {
		t.Errorf("mitigated at %v, want the webhook event time", stored.Mitigated)
	}
}

func TestWebhook_NullResolutionReopens(t *testing.T) {
	f := newWebhookFixture(t)
	f.db.Model(f.finding).Updates(map[string]interface{}{"active": false, "is_mitigated": true})

	w := f.post(t, issueUpdatedPayload(`null`), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var stored models.Finding
	f.db.First(&stored, f.finding.ID)
	if !stored.Active || stored.IsMitigated {
		t.Errorf("finding = %+v, want reopened", stored)
	}
}

func TestWebhook_SecretRequired(t *testing.T) {
	f := newWebhookFixture(t)
	services.NewSystemConfigService(f.db).Set("jira_webhook_secret", "s3cret")

	if w := f.post(t, issueUpdatedPayload(`null`), nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status without secret = %d, want 401", w.Code)
	}
	if w := f.post(t, issueUpdatedPayload(`null`), map[string]string{"X-Jira-Webhook-Secret": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong secret = %d, want 401", w.Code)
	}
	if w := f.post(t, issueUpdatedPayload(`null`), map[string]string{"X-Jira-Webhook-Secret": "s3cret"}); w.Code != http.StatusOK {
		t.Errorf("status with secret = %d, want 200", w.Code)
	}
}

func TestWebhook_UnlinkedIssueAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	body := `{"webhookEvent": "jira:issue_updated", "issue": {"id": "99999", "key": "OTHER-1", "fields": {"resolution": null, "updated": ""}}}`
	w := f.post(t, body, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want unlinked issues acknowledged with 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"handled":false`) {
		t.Errorf("body = %s, want handled:false", w.Body.String())
	}
}

func TestWebhook_CommentMirroredAsNote(t *testing.T) {
	f := newWebhookFixture(t)

	body := `{
		"webhookEvent": "comment_created",
		"issue": {"id": "10001", "key": "TEST-1", "fields": {"resolution": null, "updated": ""}},
		"comment": {"body": "can you retest this?", "author": {"name": "pm.alice", "displayName": "Alice"}}
	}`
	if w := f.post(t, body, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var notes []models.Note
	f.db.Where("finding_id = ?", f.finding.ID).Find(&notes)
	if len(notes) != 1 || notes[0].Entry != "can you retest this?" || notes[0].AuthorUsername != "pm.alice" {
		t.Errorf("notes = %+v, want the comment mirrored once", notes)
	}
}

func TestWebhook_OwnCommentsNotEchoed(t *testing.T) {
	f := newWebhookFixture(t)

	body := `{
		"webhookEvent": "comment_created",
		"issue": {"id": "10001", "key": "TEST-1", "fields": {"resolution": null, "updated": ""}},
		"comment": {"body": "(alice): seen in prod", "author": {"name": "syncbot", "displayName": "Sync Bot"}}
	}`
	if w := f.post(t, body, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var count int64
	f.db.Model(&models.Note{}).Count(&count)
	if count != 0 {
		t.Errorf("notes = %d, want the sync account's own comment dropped", count)
	}
}
