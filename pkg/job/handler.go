package job

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arclight/imagegate/internal/httpserver"
	"github.com/arclight/imagegate/pkg/provider"
	"github.com/arclight/imagegate/pkg/tenant"
)

// Handler provides HTTP handlers for the job intake API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a job Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes returns a chi.Router with all job routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleSubmit)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleCancel)
	return r
}

// inputImagePattern matches the data URI shape accepted for an optional
// reference image: a declared image MIME subtype followed by base64 payload.
const inputImagePattern = `^data:image/(png|jpeg|jpg|gif|webp);base64,[A-Za-z0-9+/]+=*$`

// maxInputImageBytes bounds the decoded size of an inline reference image.
const maxInputImageBytes = 4 << 20

var inputImageRE = regexp.MustCompile(inputImagePattern)

// validateInputImage reports whether img (empty is valid: no reference
// image supplied) matches the accepted data URI shape and decodes to no
// more than maxInputImageBytes.
func validateInputImage(img string) error {
	if img == "" {
		return nil
	}
	if !inputImageRE.MatchString(img) {
		return errors.New("inputImage must be a data:image/<type>;base64,<data> URI")
	}
	comma := strings.IndexByte(img, ',')
	decoded, err := base64.StdEncoding.DecodeString(img[comma+1:])
	if err != nil {
		return errors.New("inputImage payload is not valid base64")
	}
	if len(decoded) > maxInputImageBytes {
		return errors.New("inputImage exceeds the 4 MiB size limit")
	}
	return nil
}

// submitRequest is the JSON body for POST /api/v1/jobs.
type submitRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Prompt         string `json:"prompt" validate:"required"`
	Model          string `json:"model" validate:"required"`
	Mode           string `json:"mode,omitempty" validate:"omitempty,oneof=draft final"`
	InputImage     string `json:"inputImage,omitempty"`
	ImageConfig    struct {
		ImageSize      string `json:"imageSize" validate:"omitempty,oneof=1K 2K 4K"`
		AspectRatio    string `json:"aspectRatio" validate:"omitempty,oneof=1:1 4:3 16:9 9:16 3:4"`
		NumberOfImages int    `json:"numberOfImages" validate:"omitempty,min=1,max=10"`
	} `json:"imageConfig"`
	SampleCount int    `json:"sampleCount,omitempty" validate:"omitempty,min=1,max=10"`
	WebhookURL  string `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// jobResponse is the JSON shape returned for a job.
type jobResponse struct {
	ID           uuid.UUID `json:"id"`
	State        string    `json:"state"`
	ImageURLs    []string  `json:"image_urls"`
	EndpointUsed string    `json:"endpoint_used,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    string    `json:"created_at"`
	UpdatedAt    string    `json:"updated_at"`
}

func toJobResponse(j *Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		State:        string(j.State),
		ImageURLs:    j.ImageURLs,
		EndpointUsed: j.EndpointUsed,
		Error:        j.ErrorMessage,
		Attempts:     j.Attempts,
		CreatedAt:    j.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		UpdatedAt:    j.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t := tenant.FromContext(r.Context())
	if t == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	if err := validateInputImage(req.InputImage); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// imageConfig.numberOfImages is authoritative over a duplicated sampleCount.
	numberOfImages := req.SampleCount
	if req.ImageConfig.NumberOfImages > 0 {
		numberOfImages = req.ImageConfig.NumberOfImages
	}
	if numberOfImages <= 0 {
		numberOfImages = 1
	}

	mode := req.Mode
	if mode == "" {
		mode = provider.ModeFinal
	}

	j, err := h.service.Submit(r.Context(), t, SubmitRequest{
		IdempotencyKey: req.IdempotencyKey,
		WebhookURL:     req.WebhookURL,
		Config: provider.ImageConfig{
			Prompt:         req.Prompt,
			Model:          req.Model,
			Mode:           mode,
			ReferenceImage: req.InputImage,
			ImageSize:      req.ImageConfig.ImageSize,
			AspectRatio:    req.ImageConfig.AspectRatio,
			NumberOfImages: numberOfImages,
		},
	})
	if err != nil {
		if errors.Is(err, ErrAdmissionDenied) {
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded")
			return
		}
		h.logger.Error("submitting job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to submit job")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, toJobResponse(j))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	if t == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	j, err := h.service.Get(r.Context(), t.ID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("getting job", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}

	httpserver.Respond(w, http.StatusOK, toJobResponse(j))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	if t == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	jobs, err := h.service.List(r.Context(), t.ID, params.PageSize)
	if err != nil {
		h.logger.Error("listing jobs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJobResponse(j))
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"jobs":  items,
		"count": len(items),
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	if t == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	j, err := h.service.Cancel(r.Context(), t.ID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if errors.Is(err, ErrIllegalTransition) {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_state", "job is running and can no longer be canceled")
			return
		}
		h.logger.Error("canceling job", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		return
	}

	httpserver.Respond(w, http.StatusOK, toJobResponse(j))
}
