package controller

import (
	"judgeflow/internal/common/auth"
	"judgeflow/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the submission API under group. Every route requires a bearer token;
// rejudge additionally requires the admin role.
func RegisterRoutes(group *gin.RouterGroup, ctrl *SubmissionController, authn *auth.Authenticator) {
	user := group.Group("", middleware.AuthMiddleware(authn, middleware.AuthPolicy{}))
	user.POST("/submissions", ctrl.Create)
	user.POST("/submissions/run", ctrl.Run)
	user.GET("/submissions", ctrl.List)
	user.GET("/submissions/:id", ctrl.Get)
	user.GET("/submissions/:id/status", ctrl.GetStatus)

	admin := group.Group("/admin", middleware.AuthMiddleware(authn, middleware.AuthPolicy{Roles: []string{auth.RoleAdmin}}))
	admin.POST("/submissions/:id/rejudge", ctrl.Rejudge)
}
