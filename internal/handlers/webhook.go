package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"github.com/huangang/vulnsync/pkg/logger"
	"github.com/huangang/vulnsync/pkg/response"
	"gorm.io/gorm"
)

// WebhookHandler receives inbound JIRA webhooks: issue update events feed
// the status reconciler, comment events are mirrored into finding notes.
type WebhookHandler struct {
	db          *gorm.DB
	jiraService *services.JiraService
	settings    *services.SystemConfigService
}

func NewWebhookHandler(db *gorm.DB, jiraService *services.JiraService) *WebhookHandler {
	return &WebhookHandler{
		db:          db,
		jiraService: jiraService,
		settings:    services.NewSystemConfigService(db),
	}
}

// jiraWebhookPayload matches the subset of the JIRA webhook body we act on.
type jiraWebhookPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		ID     string `json:"id"`
		Key    string `json:"key"`
		Fields struct {
			Resolution json.RawMessage `json:"resolution"`
			Updated    string          `json:"updated"`
		} `json:"fields"`
	} `json:"issue"`
	Comment struct {
		Body   string `json:"body"`
		Author struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"author"`
	} `json:"comment"`
}

// Handle is the POST /api/webhook/jira entrypoint. The shared secret is
// carried in the X-Jira-Webhook-Secret header or a ?secret= query parameter.
func (h *WebhookHandler) Handle(c *gin.Context) {
	if secret := h.settings.WebhookSecret(); secret != "" {
		given := c.GetHeader("X-Jira-Webhook-Secret")
		if given == "" {
			given = c.Query("secret")
		}
		if given != secret {
			response.Unauthorized(c, "invalid webhook secret")
			return
		}
	}

	var payload jiraWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.BadRequest(c, "malformed webhook payload: "+err.Error())
		return
	}

	link := h.jiraService.FindByJiraID(payload.Issue.ID)
	if link == nil {
		// Unlinked issues are common on shared projects; acknowledge and drop.
		logger.Debugf("[Webhook] ignoring event %s for unlinked issue %s", payload.WebhookEvent, payload.Issue.Key)
		response.Success(c, gin.H{"handled": false})
		return
	}

	switch payload.WebhookEvent {
	case "jira:issue_updated":
		h.handleIssueUpdated(c, link, &payload)
	case "comment_created":
		h.handleCommentCreated(c, link, &payload)
	default:
		response.Success(c, gin.H{"handled": false})
	}
}

func (h *WebhookHandler) handleIssueUpdated(c *gin.Context, link *models.JIRAIssue, payload *jiraWebhookPayload) {
	resolutionName, resolutionID := parseWebhookResolution(payload.Issue.Fields.Resolution)

	eventTime := time.Now()
	if t, err := time.Parse("2006-01-02T15:04:05.000-0700", payload.Issue.Fields.Updated); err == nil {
		eventTime = t
	}

	changed, err := h.jiraService.ApplyInboundEvent(link, resolutionID, resolutionName, eventTime)
	if err != nil {
		logger.Errorf("[Webhook] issue update for %s failed: %v", payload.Issue.Key, err)
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"handled": true, "changed": changed})
}

func (h *WebhookHandler) handleCommentCreated(c *gin.Context, link *models.JIRAIssue, payload *jiraWebhookPayload) {
	author := payload.Comment.Author.Name
	if author == "" {
		author = payload.Comment.Author.DisplayName
	}

	// Comments written by the sync account itself are our own note replays
	// coming back; mirroring them again would loop.
	if instance, err := h.jiraService.InstanceForLink(link); err == nil && instance.Username == author {
		response.Success(c, gin.H{"handled": false})
		return
	}

	var findingIDs []uint
	switch {
	case link.FindingID != nil:
		findingIDs = []uint{*link.FindingID}
	case link.FindingGroupID != nil:
		var findings []models.Finding
		if err := h.db.Where("finding_group_id = ?", *link.FindingGroupID).Find(&findings).Error; err == nil {
			for i := range findings {
				findingIDs = append(findingIDs, findings[i].ID)
			}
		}
	}

	for _, id := range findingIDs {
		note := models.Note{
			FindingID:      id,
			Entry:          payload.Comment.Body,
			AuthorUsername: author,
		}
		if err := h.db.Create(&note).Error; err != nil {
			logger.Errorf("[Webhook] could not store comment from %s on finding %d: %v", payload.Issue.Key, id, err)
		}
	}
	response.Success(c, gin.H{"handled": true, "notes": len(findingIDs)})
}

func parseWebhookResolution(raw json.RawMessage) (name, id string) {
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
	if err := json.Unmarshal(raw, &s); err == nil && s != "None" {
		return s, ""
	}
	return "", ""
}
