package handler

//go:generate mockgen -source=handler.go -destination=mocks/mock_service.go -package=mocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"caepi/internal/certificate/models"
	"caepi/internal/certificate/service"
	"caepi/internal/platform/metrics"
	"caepi/internal/platform/middleware"
	"caepi/pkg/platform/httputil"
	"caepi/pkg/platform/sentinel"
)

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

const (
	msgFound          = "Certificado encontrado"
	msgNotFound       = "Certificado não encontrado"
	msgRequired       = "O campo registro_ca é obrigatório"
	msgInvalidBody    = "Corpo da requisição inválido"
	msgInternal       = "Erro interno ao buscar certificado"
	msgSearchInternal = "Erro interno ao pesquisar certificados"
)

// Service defines the certificate use cases exposed over HTTP.
type Service interface {
	GetCertificate(ctx context.Context, id string) (models.Certificate, bool, error)
	Search(ctx context.Context, filters models.Filters, limit int) ([]models.CertificateRecord, error)
	UpdateDatabase(ctx context.Context) service.UpdateResult
	Stats(ctx context.Context) service.StatsResult
}

// Info describes the API on the root route.
type Info struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Handler serves the certificate endpoints.
type Handler struct {
	certificates Service
	logger       *slog.Logger
	metrics      *metrics.Metrics
	adminToken   string
	version      string
}

// New creates a certificate Handler. An empty adminToken leaves
// update-database unprotected.
func New(certificates Service, logger *slog.Logger, metrics *metrics.Metrics, adminToken, version string) *Handler {
	return &Handler{
		certificates: certificates,
		logger:       logger,
		metrics:      metrics,
		adminToken:   adminToken,
		version:      version,
	}
}

// Register registers the certificate, cache and system routes with r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.Latency(h.metrics))
		r.Use(middleware.ContentTypeJSON)

		r.Get("/", h.handleRoot)
		r.Get("/health", h.handleHealth)
		r.Get("/cache/stats", h.handleCacheStats)

		r.Route("/certificates", func(r chi.Router) {
			r.Get("/", h.handleSearch)
			r.Post("/get-certificate-by-ca", h.handleGetByBody)
			r.Get("/{registroCA}", h.handleGetByPath)
			r.With(middleware.RequireAdminToken(h.adminToken, h.logger)).
				Post("/update-database", h.handleUpdateDatabase)
		})
	})
}

type getCertificateRequest struct {
	RegistroCA string `json:"registro_ca"`
}

func (h *Handler) handleGetByBody(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req getCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid get certificate request",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteFailure(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	h.lookup(w, r, req.RegistroCA)
}

func (h *Handler) handleGetByPath(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, chi.URLParam(r, "registroCA"))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	cert, found, err := h.certificates.GetCertificate(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidInput) {
			httputil.WriteFailure(w, http.StatusBadRequest, msgRequired)
			return
		}
		h.logger.ErrorContext(ctx, "certificate lookup failed",
			"request_id", requestID,
			"registro_ca", id,
			"error", err.Error(),
		)
		httputil.WriteFailure(w, httputil.StatusFor(err), msgInternal)
		return
	}
	if !found {
		h.logger.InfoContext(ctx, "certificate not found",
			"request_id", requestID,
			"registro_ca", id,
		)
		httputil.WriteFailure(w, http.StatusNotFound, msgNotFound)
		return
	}

	httputil.WriteSuccess(w, msgFound, cert)
}

type searchResult struct {
	Count int                 `json:"count"`
	Limit int                 `json:"limit"`
	Items []map[string]string `json:"items"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filters, limit, err := parseSearchQuery(r.URL.Query())
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.certificates.Search(ctx, filters, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "certificate search failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteFailure(w, httputil.StatusFor(err), msgSearchInternal)
		return
	}

	items := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		items = append(items, row(rec))
	}
	httputil.WriteSuccess(w,
		fmt.Sprintf("%d certificados encontrados", len(items)),
		searchResult{Count: len(items), Limit: limit, Items: items},
	)
}

// queryError carries a user-facing message for a rejected search query.
type queryError string

func (e queryError) Error() string { return string(e) }

// parseSearchQuery turns query parameters named after columns into filters.
// Situacao accepts a status label and DataValidade a date; other columns
// match by case-insensitive substring.
func parseSearchQuery(q url.Values) (models.Filters, int, error) {
	limit := DefaultSearchLimit
	filters := models.Filters{}

	for key, values := range q {
		value := strings.TrimSpace(values[0])
		switch {
		case key == "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, 0, queryError(fmt.Sprintf("Parâmetro limit inválido: %q", value))
			}
			limit = min(n, MaxSearchLimit)
		case key == models.ColSituacao:
			if st := models.ParseStatus(value); st != models.StatusUnknown {
				filters[key] = st
			} else {
				filters[key] = value
			}
		case key == models.ColDataValidade:
			if value == "" {
				continue
			}
			d := models.ParseExpiry(value)
			if d == nil {
				return nil, 0, queryError(fmt.Sprintf("Data inválida para %s: %q", key, value))
			}
			filters[key] = *d
		case models.IsColumn(key):
			filters[key] = value
		default:
			return nil, 0, queryError("Filtro desconhecido: " + key)
		}
	}
	return filters, limit, nil
}

func row(rec models.CertificateRecord) map[string]string {
	fields := rec.Fields()
	out := make(map[string]string, len(fields))
	for i, col := range models.Columns {
		out[col] = fields[i]
	}
	return out
}

func (h *Handler) handleUpdateDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := h.certificates.UpdateDatabase(ctx)
	if !res.Success {
		h.logger.ErrorContext(ctx, "update database request failed",
			"request_id", middleware.GetRequestID(ctx),
			"message", res.Message,
		)
		httputil.WriteFailure(w, http.StatusInternalServerError, res.Message)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Success: true,
		Message: res.Message,
		Data: map[string]any{
			"records":     res.Records,
			"duration_ms": res.Duration.Milliseconds(),
		},
	})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, "Estatísticas do cache", h.certificates.Stats(r.Context()))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "OK",
		"message": "API funcionando corretamente",
		"version": h.version,
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, Info{
		Title:       "API CAEPI - Certificados de Aprovação",
		Version:     h.version,
		Description: "API para consulta de Certificados de Aprovação do CAEPI",
	})
}
