package run

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"portalbridge/internal/model"
	"portalbridge/internal/store"
	"portalbridge/internal/utils/parser"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

type ExtractionRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type SubmissionRequest struct {
	RecordIDs        []string `json:"record_ids"`
	SaveAsDraft      bool     `json:"save_as_draft"`
	LeaveSessionOpen bool     `json:"leave_session_open"`
}

type RunResponse struct {
	Success bool       `json:"success"`
	Run     *model.Run `json:"run"`
}

type RunListResponse struct {
	Success bool        `json:"success"`
	Runs    []model.Run `json:"runs"`
}

type StepsResponse struct {
	Success bool         `json:"success"`
	RunID   string       `json:"run_id"`
	Steps   []model.Step `json:"steps"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		status = fiber.StatusBadRequest
	case errors.Is(err, ErrRunActive), errors.Is(err, ErrAlreadyFinished), errors.Is(err, ErrBusy):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(ErrorResponse{Success: false, Error: err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Success: false, Error: msg})
}

func (h *Handler) HandleStartExtraction(c *fiber.Ctx) error {
	var req ExtractionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid body")
		}
	}
	from, err := parseDate(req.From)
	if err != nil {
		return badRequest(c, "from must be YYYY-MM-DD")
	}
	to, err := parseDate(req.To)
	if err != nil {
		return badRequest(c, "to must be YYYY-MM-DD")
	}
	run, err := h.svc.StartExtraction(c.UserContext(), from, to)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(RunResponse{Success: true, Run: run})
}

func (h *Handler) HandleStartSubmission(c *fiber.Ctx) error {
	var req SubmissionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid body")
		}
	}
	run, err := h.svc.StartSubmission(c.UserContext(), req.RecordIDs, req.SaveAsDraft, req.LeaveSessionOpen)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(RunResponse{Success: true, Run: run})
}

func (h *Handler) HandleCancel(c *fiber.Ctx) error {
	run, err := h.svc.Engine().Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(RunResponse{Success: true, Run: run})
}

func (h *Handler) HandleResume(c *fiber.Ctx) error {
	run, err := h.svc.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(RunResponse{Success: true, Run: run})
}

func (h *Handler) HandleDelete(c *fiber.Ctx) error {
	if err := h.svc.Engine().Delete(c.UserContext(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	run, err := h.svc.Engine().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(RunResponse{Success: true, Run: run})
}

func (h *Handler) HandleSteps(c *fiber.Ctx) error {
	id := c.Params("id")
	steps, err := h.svc.Engine().Steps(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	if steps == nil {
		steps = []model.Step{}
	}
	return c.JSON(StepsResponse{Success: true, RunID: id, Steps: steps})
}

func (h *Handler) HandleList(c *fiber.Ctx) error {
	var filter store.RunFilter
	if err := parser.ParseQuery(c, &filter); err != nil {
		return badRequest(c, err.Error())
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return badRequest(c, "unknown status "+string(filter.Status))
	}
	if filter.Kind != "" && filter.Kind != model.RunKindExtraction && filter.Kind != model.RunKindSubmission {
		return badRequest(c, "unknown kind "+string(filter.Kind))
	}
	if filter.Limit < 0 || filter.Limit > 500 {
		return badRequest(c, "limit must be between 0 and 500")
	}
	runs, err := h.svc.Engine().List(c.UserContext(), filter)
	if err != nil {
		return fail(c, err)
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return c.JSON(RunListResponse{Success: true, Runs: runs})
}

// Register mounts the run routes on r.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/runs/extraction", h.HandleStartExtraction)
	r.Post("/runs/submission", h.HandleStartSubmission)
	r.Get("/runs", h.HandleList)
	r.Get("/runs/:id", h.HandleGet)
	r.Get("/runs/:id/steps", h.HandleSteps)
	r.Post("/runs/:id/cancel", h.HandleCancel)
	r.Post("/runs/:id/resume", h.HandleResume)
	r.Delete("/runs/:id", h.HandleDelete)
}
