package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/audit"
	"github.com/receiptflow/receiptflow/internal/billing"
	"github.com/receiptflow/receiptflow/internal/config"
	handlers "github.com/receiptflow/receiptflow/internal/http/api/admin/handlers"
	"github.com/receiptflow/receiptflow/internal/http/api/admin/permissions"
	"github.com/receiptflow/receiptflow/internal/metering"
	"github.com/receiptflow/receiptflow/internal/security"
	"github.com/receiptflow/receiptflow/internal/session"
	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps are the services behind the admin routes.
type Deps struct {
	DB        *gorm.DB
	Usage     *usage.Service
	Sessions  *session.Store
	Auditor   *audit.Auditor
	Billing   *billing.Service
	Gate      *metering.Gate
	LastAudit handlers.LastAuditSource
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps, jwtCfg config.JWTConfig) {
	if r == nil || deps.DB == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(jwtCfg))
	authed.Use(adminPermissionMiddleware())

	usageHandler := handlers.NewUsageHandler(deps.Usage)
	authed.GET("/users/:id/usage", usageHandler.Get)

	auditHandler := handlers.NewAuditHandler(deps.Auditor, deps.LastAudit)
	authed.POST("/users/:id/sync", auditHandler.SyncUser)
	authed.POST("/audit", auditHandler.RunAll)
	authed.GET("/audit/last", auditHandler.Last)

	chargeHandler := handlers.NewChargeHandler(deps.Gate)
	authed.POST("/users/:id/charges", chargeHandler.Create)

	sessionHandler := handlers.NewSessionHandler(deps.Usage, deps.Sessions)
	authed.GET("/users/:id/session", sessionHandler.Get)
	authed.POST("/users/:id/session/reset", sessionHandler.Reset)

	userHandler := handlers.NewUserHandler(deps.DB)
	authed.POST("/users", userHandler.Create)

	planHandler := handlers.NewPlanHandler(deps.Billing, deps.Usage.Limits())
	authed.GET("/plans", planHandler.List)
	authed.POST("/users/:id/plan", planHandler.Change)

	settingHandler := handlers.NewSettingHandler(deps.DB)
	authed.GET("/settings", settingHandler.List)
	authed.GET("/settings/:key", settingHandler.Get)
	authed.PUT("/settings/:key", settingHandler.Put)
	authed.DELETE("/settings/:key", settingHandler.Delete)

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)
}

// adminAuthMiddleware validates admin JWTs and loads admin context.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			log.WithError(errJWT).WithField("path", c.Request.URL.Path).Debug("admin auth: token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("adminSubject", claims.Subject)
		c.Set("adminPermissions", permissions.NormalizePermissions(claims.Permissions))
		c.Set("adminIsSuperAdmin", claims.IsSuperAdmin)
		c.Next()
	}
}

// adminPermissionMiddleware allows super admins and tokens granted the route's permission key.
func adminPermissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool("adminIsSuperAdmin") {
			c.Next()
			return
		}
		key := permissions.Key(c.Request.Method, c.FullPath())
		if !permissions.IsDefined(key) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		granted, _ := c.Get("adminPermissions")
		perms, _ := granted.([]string)
		if !permissions.HasPermission(perms, key) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
