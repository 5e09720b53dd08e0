package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"github.com/huangang/vulnsync/pkg/response"
	"gorm.io/gorm"
)

type JiraProjectHandler struct {
	db          *gorm.DB
	jiraService *services.JiraService
}

func NewJiraProjectHandler(db *gorm.DB, jiraService *services.JiraService) *JiraProjectHandler {
	return &JiraProjectHandler{db: db, jiraService: jiraService}
}

func (h *JiraProjectHandler) List(c *gin.Context) {
	var projects []models.JIRAProject
	query := h.db.Preload("JIRAInstance")
	if productID := c.Query("product_id"); productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	if engagementID := c.Query("engagement_id"); engagementID != "" {
		query = query.Where("engagement_id = ?", engagementID)
	}
	if err := query.Find(&projects).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, projects)
}

func (h *JiraProjectHandler) Create(c *gin.Context) {
	// Enabled shadows the model field so an omitted flag defaults to true.
	var body struct {
		models.JIRAProject
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	project := body.JIRAProject
	project.Enabled = body.Enabled == nil || *body.Enabled
	if project.ProjectKey == "" {
		response.BadRequest(c, "project_key is required")
		return
	}
	if (project.ProductID == nil) == (project.EngagementID == nil) {
		response.BadRequest(c, "exactly one of product_id and engagement_id must be set")
		return
	}
	if !h.jiraService.ValidateProject(&project) {
		response.BadRequest(c, "jira project cannot be validated: check instance credentials, project key and default issue type")
		return
	}
	if err := h.db.Create(&project).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Created(c, project)
}

func (h *JiraProjectHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	var project models.JIRAProject
	if err := h.db.First(&project, uint(id)).Error; err != nil {
		response.NotFound(c, "jira project not found")
		return
	}
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.db.Model(&project).Updates(updates).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	if !h.jiraService.ValidateProject(&project) {
		response.Success(c, gin.H{"project": project, "warning": "updated config failed validation against jira"})
		return
	}
	response.Success(c, project)
}

func (h *JiraProjectHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	if err := h.db.Delete(&models.JIRAProject{}, uint(id)).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "deleted"})
}
