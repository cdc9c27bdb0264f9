package router

import (
	"github.com/cuongbtq/avatar-render/internal/api/handler"
	"github.com/cuongbtq/avatar-render/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

const (
	webhookPrefix = "/webhooks/"

	// PaymentsCallbackPath receives payment-network events
	PaymentsCallbackPath = "/webhooks/payments"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(webhookPrefix))

	health := handler.NewHealthHandler(deps)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	// Server-to-server callbacks sit outside CORS so the provider's
	// OPTIONS probe reaches the preflight handler
	webhooks := handler.NewWebhookHandler(deps)
	r.GET(orchestrator.CallbackPath, webhooks.ProviderPreflight)
	r.HEAD(orchestrator.CallbackPath, webhooks.ProviderPreflight)
	r.OPTIONS(orchestrator.CallbackPath, webhooks.ProviderPreflight)
	r.POST(orchestrator.CallbackPath, webhooks.ProviderEvent)
	r.POST(PaymentsCallbackPath, webhooks.PaymentEvent)

	jobHandler := handler.NewJobHandler(deps)
	commissionHandler := handler.NewCommissionHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a render
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/audit - Transition history
			jobs.GET("/:job_id/audit", jobHandler.ListJobAudit)

			// POST /api/v1/jobs/:job_id/reconcile - Poll the provider now
			jobs.POST("/:job_id/reconcile", jobHandler.ReconcileJob)

			// GET /api/v1/jobs/:job_id/commission - Settlement for a job
			jobs.GET("/:job_id/commission", commissionHandler.GetJobCommission)
		}

		commissions := v1.Group("/commissions")
		{
			commissions.GET("/:commission_id", commissionHandler.GetCommission)
			commissions.POST("/:commission_id/status", commissionHandler.UpdateCommissionStatus)
		}
	}

	return r
}
