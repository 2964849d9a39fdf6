package http

import (
	"strconv"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/core/service/auth"
	"replica_server/core/service/finetune"
	"replica_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// TriggerHandler exposes on-demand sync and fine-tuning triggers. Every
// trigger only enqueues; the worker pool does the actual work.
type TriggerHandler struct {
	accounts     out.AccountRepository
	producer     out.MessageProducer
	connect      *auth.ConnectService
	orchestrator *finetune.Orchestrator
}

func NewTriggerHandler(
	accounts out.AccountRepository,
	producer out.MessageProducer,
	connect *auth.ConnectService,
	orchestrator *finetune.Orchestrator,
) *TriggerHandler {
	return &TriggerHandler{
		accounts:     accounts,
		producer:     producer,
		connect:      connect,
		orchestrator: orchestrator,
	}
}

func (h *TriggerHandler) Register(app fiber.Router) {
	app.Post("/oauth/connect", h.Connect)
	sync := app.Group("/sync")
	sync.Post("/accounts/:id", h.TriggerAccountSync)
	sync.Post("/all", h.TriggerAllSync)
	ft := app.Group("/finetune")
	ft.Post("/check", h.TriggerFineTuneCheck)
	ft.Post("/poll", h.TriggerJobPoll)
	ft.Post("/jobs/:id/requeue", h.RequeueJob)
}

type connectRequest struct {
	CoachID     string `json:"coach_id"`
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// Connect finishes the OAuth flow for a mailbox and schedules its first sync.
func (h *TriggerHandler) Connect(c *fiber.Ctx) error {
	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "BAD_REQUEST", "invalid request body")
	}

	coachID, err := uuid.Parse(req.CoachID)
	if err != nil {
		return ErrorResponse(c, 400, "BAD_REQUEST", "invalid coach_id")
	}
	if req.Code == "" {
		return ErrorResponse(c, 400, "BAD_REQUEST", "code is required")
	}

	account, err := h.connect.Connect(c.Context(), coachID, domain.Provider(req.Provider), req.Code, req.RedirectURI)
	if err != nil {
		logger.WithError(err).Error("[Connect] oauth connect failed")
		return AppErrorResponse(c, err)
	}

	return SuccessResponse(c, fiber.Map{
		"account_id": account.ID,
		"email":      account.Email,
		"provider":   account.Provider,
	})
}

// TriggerAccountSync enqueues one account's sync run.
func (h *TriggerHandler) TriggerAccountSync(c *fiber.Ctx) error {
	if h.producer == nil {
		return ErrorResponse(c, 503, "QUEUE_UNAVAILABLE", "job queue is not configured")
	}

	accountID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return ErrorResponse(c, 400, "BAD_REQUEST", "invalid account id")
	}

	account, err := h.accounts.GetByID(c.Context(), accountID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if account == nil {
		return ErrorResponse(c, 404, "NOT_FOUND", "email account not found")
	}

	job := &out.AccountSyncJob{
		AccountID: accountID,
		ForceFull: c.QueryBool("force_full", false),
		MaxEmails: c.QueryInt("max_emails", 0),
	}
	if err := h.producer.PublishAccountSync(c.Context(), job); err != nil {
		return AppErrorResponse(c, err)
	}

	return SuccessResponse(c, fiber.Map{"account_id": accountID, "queued": true})
}

// TriggerAllSync enqueues sync runs for every syncable account.
func (h *TriggerHandler) TriggerAllSync(c *fiber.Ctx) error {
	if h.producer == nil {
		return ErrorResponse(c, 503, "QUEUE_UNAVAILABLE", "job queue is not configured")
	}

	accounts, err := h.accounts.ListSyncEnabled(c.Context())
	if err != nil {
		return AppErrorResponse(c, err)
	}

	enqueued := 0
	for _, account := range accounts {
		if !account.Syncable() {
			continue
		}
		job := &out.AccountSyncJob{AccountID: account.ID}
		if err := h.producer.PublishAccountSync(c.Context(), job); err != nil {
			logger.Error("[TriggerAllSync] failed to enqueue account %d: %v", account.ID, err)
			continue
		}
		enqueued++
	}

	return SuccessResponse(c, fiber.Map{"enqueued": enqueued})
}

// TriggerFineTuneCheck enqueues a readiness check, scoped to one coach when
// coach_id is given.
func (h *TriggerHandler) TriggerFineTuneCheck(c *fiber.Ctx) error {
	if h.producer == nil {
		return ErrorResponse(c, 503, "QUEUE_UNAVAILABLE", "job queue is not configured")
	}

	coachID := uuid.Nil
	if raw := c.Query("coach_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return ErrorResponse(c, 400, "BAD_REQUEST", "invalid coach_id")
		}
		coachID = parsed
	}

	if err := h.producer.PublishFineTuneCheck(c.Context(), coachID); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"queued": true})
}

// TriggerJobPoll enqueues a poll of all active training jobs.
func (h *TriggerHandler) TriggerJobPoll(c *fiber.Ctx) error {
	if h.producer == nil {
		return ErrorResponse(c, 503, "QUEUE_UNAVAILABLE", "job queue is not configured")
	}

	if err := h.producer.PublishJobPoll(c.Context()); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"queued": true})
}

// RequeueJob releases a failed job's cache rows back into the pool.
func (h *TriggerHandler) RequeueJob(c *fiber.Ctx) error {
	if h.orchestrator == nil {
		return ErrorResponse(c, 503, "FINETUNE_UNAVAILABLE", "fine-tuning is not configured")
	}

	jobID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return ErrorResponse(c, 400, "BAD_REQUEST", "invalid job id")
	}

	if err := h.orchestrator.RequeueFailedJob(c.Context(), jobID); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"job_id": jobID, "requeued": true})
}
