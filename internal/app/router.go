package app

import (
	"converse_backend/docs"
	"converse_backend/internal/config"
	"converse_backend/internal/middleware"
	"converse_backend/internal/model"
	"converse_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, repos *repositories, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())
	router.GET("/api/health", c.health.HealthCheck)

	// 需要授权的会话与消息接口
	chat := router.Group("/api/chat")
	chat.Use(middleware.AuthMiddleware(cfg), middleware.ActivityMiddleware(repos.user))
	{
		chat.GET("/ws", c.chat.HandleWS)

		chat.GET("/conversations", c.chat.GetConversations)
		chat.POST("/privates", c.chat.CreatePrivateChat)
		chat.POST("/groups", c.chat.CreateGroup)
		chat.POST("/channels/:slug/join", c.chat.JoinSingleton)

		chat.PUT("/conversations/:id", c.chat.UpdateGroupInfo)
		chat.POST("/conversations/:id/leave", c.chat.LeaveGroup)
		chat.POST("/conversations/:id/transfer", c.chat.TransferOwnership)
		chat.GET("/conversations/:id/members", c.chat.GetMembers)
		chat.POST("/conversations/:id/members", c.chat.InviteMember)
		chat.DELETE("/conversations/:id/members/:userId", c.chat.KickMember)

		chat.GET("/conversations/:id/messages", c.chat.GetHistory)
		chat.POST("/conversations/:id/messages", c.chat.SendMessage)
		chat.POST("/conversations/:id/attachments", c.chat.UploadAttachment)
		chat.PUT("/conversations/:id/read", c.chat.MarkAsRead)

		chat.PUT("/messages/:id", c.chat.EditMessage)
		chat.DELETE("/messages/:id", c.chat.DeleteMessage)
		chat.POST("/messages/:id/reactions", c.chat.ReactToMessage)
		chat.PUT("/messages/:id/flag", c.chat.FlagMessage)
	}

	// 审核面：平台管理员角色专属
	admin := router.Group("/api/admin/chat")
	admin.Use(
		middleware.AuthMiddleware(cfg),
		middleware.ActivityMiddleware(repos.user),
		middleware.RoleMiddleware(model.Moderator, model.Admin),
	)
	{
		admin.GET("/conversations", c.admin.ListAllConversations)
		admin.GET("/conversations/:id/messages", c.admin.GetTranscript)
		admin.DELETE("/conversations/:id", c.admin.DeactivateConversation)
		admin.POST("/conversations/:id/members", c.admin.AddMember)
		admin.DELETE("/conversations/:id/members/:userId", c.admin.RemoveMember)

		admin.GET("/messages/:id", c.admin.GetMessage)
		admin.DELETE("/messages/:id", c.admin.DeleteMessage)
		admin.GET("/flagged", c.admin.ListFlagged)
		admin.POST("/messages/:id/flag", c.admin.FlagMessage)
		admin.DELETE("/messages/:id/flag", c.admin.UnflagMessage)
	}
}
