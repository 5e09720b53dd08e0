package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vulnsync/internal/models"
	"github.com/huangang/vulnsync/internal/services"
	"gorm.io/gorm"
)

type SystemConfigHandler struct {
	db            *gorm.DB
	configService *services.SystemConfigService
}

func NewSystemConfigHandler(db *gorm.DB) *SystemConfigHandler {
	return &SystemConfigHandler{
		db:            db,
		configService: services.NewSystemConfigService(db),
	}
}

// GetSyncSettings returns the persisted sync policy keys as a flat map.
func (h *SystemConfigHandler) GetSyncSettings(c *gin.Context) {
	var configs []models.SystemConfig
	if err := h.db.Find(&configs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	settings := make(map[string]string, len(configs))
	for _, cfg := range configs {
		settings[cfg.Key] = cfg.Value
	}
	c.JSON(http.StatusOK, settings)
}

// UpdateSyncSettings writes a partial map of sync policy keys. Unknown keys
// are stored as-is; the typed accessors only read the seeded ones.
func (h *SystemConfigHandler) UpdateSyncSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for key, value := range req {
		if err := h.configService.Set(key, value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	h.GetSyncSettings(c)
}
