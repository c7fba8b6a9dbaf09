package inventory

import (
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/harborline/internal/domain"
	"github.com/joao-fontenele/harborline/internal/respond"
)

type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger,
	}
}

func (h *Handler) Register(mux respond.Router) {
	mux.HandleFunc("GET /inventory", h.HandleSnapshot)
	mux.HandleFunc("GET /inventory/{sku}", h.HandleGetStock)
}

type snapshotResponse struct {
	Items []domain.StockLevel `json:"items"`
}

func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	levels, err := h.manager.Snapshot(r.Context())
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	h.logger.Info("stock listed", "count", len(levels))
	respond.JSON(w, h.logger, http.StatusOK, snapshotResponse{Items: levels})
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")
	if sku == "" {
		respond.BadRequest(w, h.logger, "missing sku")
		return
	}

	level, err := h.manager.Stock(r.Context(), sku)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	respond.JSON(w, h.logger, http.StatusOK, level)
}
