package routers

import (
	"StoryPack-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/stories", h.CreateStory)
		v1.POST("/stories/validate", h.ValidateStory)
		v1.POST("/stories/:story_id/process", h.ProcessStory)
		v1.GET("/stories/:story_id", h.GetStory)
		v1.GET("/stories/:story_id/scenes", h.GetScenes)
		v1.GET("/stories/:story_id/logs", h.GetLogs)
		v1.GET("/stories/:story_id/archive", h.GetArchive)
		v1.DELETE("/stories/:story_id", h.DeleteStory)
	}
	r.GET("/stories/:story_id/ws", h.StoryProgressWebSocket)
	return r
}
