package handlers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"github.com/huangang/vulnsync/pkg/response"
	"gorm.io/gorm"
)

// SyncHandler exposes the push/link/unlink actions and the remote read
// helpers. Pushes go through the task queue; linking and unlinking are
// synchronous single-row operations.
type SyncHandler struct {
	db           *gorm.DB
	jiraService  *services.JiraService
	alertService *services.NotificationService
}

func NewSyncHandler(db *gorm.DB, jiraService *services.JiraService, alertService *services.NotificationService) *SyncHandler {
	return &SyncHandler{db: db, jiraService: jiraService, alertService: alertService}
}

func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return 0, false
	}
	return uint(id), true
}

// PushFinding queues a push for one finding. Ineligible findings are
// rejected up front with the reason instead of failing in the worker.
func (h *SyncHandler) PushFinding(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var finding models.Finding
	if err := h.db.First(&finding, id).Error; err != nil {
		response.NotFound(c, "finding not found")
		return
	}

	entity := models.EntityFromFinding(&finding)
	if eligible, reason, msg := h.jiraService.CanBePushed(entity, nil); !eligible {
		response.BadRequest(c, string(reason)+": "+msg)
		return
	}

	task := &services.SyncTask{Kind: services.SyncKindPushFinding, RunID: uuid.NewString(), FindingID: finding.ID}
	if err := services.GetTaskQueue().Enqueue(task); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"queued": true, "run_id": task.RunID})
}

// PushGroup queues a push for a finding group.
func (h *SyncHandler) PushGroup(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var group models.FindingGroup
	if err := h.db.Preload("Findings").First(&group, id).Error; err != nil {
		response.NotFound(c, "finding group not found")
		return
	}

	entity := models.EntityFromGroup(&group)
	if eligible, reason, msg := h.jiraService.CanBePushed(entity, nil); !eligible {
		response.BadRequest(c, string(reason)+": "+msg)
		return
	}

	task := &services.SyncTask{Kind: services.SyncKindPushGroup, RunID: uuid.NewString(), GroupID: group.ID}
	if err := services.GetTaskQueue().Enqueue(task); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"queued": true, "run_id": task.RunID})
}

type epicRequest struct {
	EpicName     string `json:"epic_name"`
	EpicPriority string `json:"epic_priority"`
}

// PushEpic queues the creation or update of an engagement's epic.
func (h *SyncHandler) PushEpic(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var engagement models.Engagement
	if err := h.db.First(&engagement, id).Error; err != nil {
		response.NotFound(c, "engagement not found")
		return
	}
	var req epicRequest
	// Body is optional; the engagement name is the default epic name.
	_ = c.ShouldBindJSON(&req)

	task := &services.SyncTask{
		Kind:         services.SyncKindPushEpic,
		RunID:        uuid.NewString(),
		EngagementID: engagement.ID,
		EpicName:     req.EpicName,
		EpicPriority: req.EpicPriority,
	}
	if err := services.GetTaskQueue().Enqueue(task); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"queued": true, "run_id": task.RunID})
}

// CloseEpic queues the close transition of an engagement's epic.
func (h *SyncHandler) CloseEpic(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var engagement models.Engagement
	if err := h.db.First(&engagement, id).Error; err != nil {
		response.NotFound(c, "engagement not found")
		return
	}
	task := &services.SyncTask{Kind: services.SyncKindCloseEpic, RunID: uuid.NewString(), EngagementID: engagement.ID}
	if err := services.GetTaskQueue().Enqueue(task); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"queued": true, "run_id": task.RunID})
}

// PushNote queues mirroring one note as an issue comment.
func (h *SyncHandler) PushNote(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var note models.Note
	if err := h.db.First(&note, id).Error; err != nil {
		response.NotFound(c, "note not found")
		return
	}
	force := c.Query("force") == "true"
	task := &services.SyncTask{Kind: services.SyncKindComment, RunID: uuid.NewString(), NoteID: note.ID, ForcePush: force}
	if err := services.GetTaskQueue().Enqueue(task); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"queued": true, "run_id": task.RunID})
}

type linkRequest struct {
	JiraKey string `json:"jira_key" binding:"required"`
}

// LinkFinding binds a finding to an existing JIRA issue by key.
func (h *SyncHandler) LinkFinding(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var finding models.Finding
	if err := h.db.First(&finding, id).Error; err != nil {
		response.NotFound(c, "finding not found")
		return
	}
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	link, err := h.jiraService.LinkExisting(models.EntityFromFinding(&finding), req.JiraKey)
	if err != nil {
		var conflict *services.LinkConflictError
		switch {
		case errors.As(err, &conflict):
			response.BadRequest(c, err.Error())
		case errors.Is(err, services.ErrNotFound):
			response.NotFound(c, "jira issue "+req.JiraKey+" could not be retrieved")
		default:
			response.ServerError(c, err.Error())
		}
		return
	}
	response.Success(c, link)
}

// UnlinkFinding removes a finding's JIRA binding. The remote issue survives.
func (h *SyncHandler) UnlinkFinding(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var finding models.Finding
	if err := h.db.First(&finding, id).Error; err != nil {
		response.NotFound(c, "finding not found")
		return
	}
	if err := h.jiraService.Unlink(models.EntityFromFinding(&finding)); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			response.NotFound(c, "finding has no jira link")
			return
		}
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "unlinked"})
}

// FindingIssue returns the link and live remote state of a finding's issue.
func (h *SyncHandler) FindingIssue(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var finding models.Finding
	if err := h.db.First(&finding, id).Error; err != nil {
		response.NotFound(c, "finding not found")
		return
	}

	entity := models.EntityFromFinding(&finding)
	link := h.jiraService.FindByEntity(entity)
	if link == nil {
		response.NotFound(c, "finding has no jira link")
		return
	}

	instance := h.jiraService.GetJiraInstance(entity)
	payload := gin.H{
		"link": link,
		"url":  h.jiraService.JiraIssueURL(link, instance),
	}
	if status := h.jiraService.GetJiraStatus(entity); status != "" {
		payload["status"] = status
	}
	if updated := h.jiraService.GetJiraUpdated(entity); updated != nil {
		payload["updated"] = updated
	}
	if comments := h.jiraService.GetJiraComments(entity); comments != nil {
		payload["comments"] = comments
	}
	response.Success(c, payload)
}

// Alerts lists the most recent sync alerts, newest first.
func (h *SyncHandler) Alerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := h.alertService.RecentAlerts(limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, alerts)
}
