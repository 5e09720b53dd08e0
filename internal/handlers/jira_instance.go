package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"github.com/huangang/vulnsync/pkg/response"
	"gorm.io/gorm"
)

type JiraInstanceHandler struct {
	db          *gorm.DB
	jiraService *services.JiraService
}

func NewJiraInstanceHandler(db *gorm.DB, jiraService *services.JiraService) *JiraInstanceHandler {
	return &JiraInstanceHandler{db: db, jiraService: jiraService}
}

// masked strips the credential before a row leaves the API.
func masked(instance *models.JIRAInstance) *models.JIRAInstance {
	instance.PasswordMask = instance.MaskPassword()
	return instance
}

func (h *JiraInstanceHandler) List(c *gin.Context) {
	var instances []models.JIRAInstance
	if err := h.db.Find(&instances).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	for i := range instances {
		masked(&instances[i])
	}
	response.Success(c, instances)
}

func (h *JiraInstanceHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	var instance models.JIRAInstance
	if err := h.db.First(&instance, uint(id)).Error; err != nil {
		response.NotFound(c, "jira instance not found")
		return
	}
	response.Success(c, masked(&instance))
}

func (h *JiraInstanceHandler) Create(c *gin.Context) {
	var instance models.JIRAInstance
	if err := c.ShouldBindJSON(&instance); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if instance.URL == "" {
		response.BadRequest(c, "url is required")
		return
	}
	if err := h.db.Create(&instance).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Created(c, masked(&instance))
}

func (h *JiraInstanceHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	var instance models.JIRAInstance
	if err := h.db.First(&instance, uint(id)).Error; err != nil {
		response.NotFound(c, "jira instance not found")
		return
	}
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.db.Model(&instance).Updates(updates).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, masked(&instance))
}

func (h *JiraInstanceHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	if err := h.db.Delete(&models.JIRAInstance{}, uint(id)).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "deleted"})
}

// TestConnection verifies credentials against the live server before the
// instance is trusted by any project config.
func (h *JiraInstanceHandler) TestConnection(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	var instance models.JIRAInstance
	if err := h.db.First(&instance, uint(id)).Error; err != nil {
		response.NotFound(c, "jira instance not found")
		return
	}
	if err := h.jiraService.VerifyInstance(&instance); err != nil {
		response.Success(c, gin.H{"connected": false, "error": err.Error()})
		return
	}
	response.Success(c, gin.H{"connected": true})
}
