package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/denis-ea7/cluely-sub000/internal/audio"
	"github.com/denis-ea7/cluely-sub000/internal/capture"
	"github.com/denis-ea7/cluely-sub000/internal/config"
	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/internal/provider"
	"github.com/denis-ea7/cluely-sub000/internal/storage/sqlite"
	"github.com/denis-ea7/cluely-sub000/internal/websocket"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	captureService    *capture.Service
	providerRouter    *provider.Router
	transcriptStorage *sqlite.TranscriptStorage
	config            *config.Config
	logger            *logger.Logger
	wsServer          *websocket.Server
}

// NewHandler creates a new API handler
func NewHandler(captureService *capture.Service, providerRouter *provider.Router, transcriptStorage *sqlite.TranscriptStorage, config *config.Config, logger *logger.Logger, wsServer *websocket.Server) *Handler {
	return &Handler{
		captureService:    captureService,
		providerRouter:    providerRouter,
		transcriptStorage: transcriptStorage,
		config:            config,
		logger:            logger.Named("api-handler"),
		wsServer:          wsServer,
	}
}

// GetDevices returns the input-capable audio devices on this machine
func (h *Handler) GetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.captureService.ListDevices()
	if err != nil {
		h.logger.Error("Failed to list audio devices", logger.Error(err))
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}

	WriteJSON(w, http.StatusOK, response)
}

// StartCapture starts the mic and system-audio pipelines for an owner.
// If the request body carries no owner ID, one is generated.
func (h *Handler) StartCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Error("Failed to parse start request", logger.Error(err))
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if req.Owner == "" {
		req.Owner = uuid.New().String()
	}

	if err := h.captureService.Start(r.Context(), req.Owner); err != nil {
		h.logger.Error("Failed to start capture",
			logger.String("owner", req.Owner),
			logger.Error(err))
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"owner":      req.Owner,
		"active":     true,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}

	WriteJSON(w, http.StatusOK, response)
}

// StopCapture stops an owner's capture. Stopping an unknown owner succeeds.
func (h *Handler) StopCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to parse stop request", logger.Error(err))
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, "Missing owner", http.StatusBadRequest)
		return
	}

	if err := h.captureService.Stop(r.Context(), req.Owner); err != nil {
		h.logger.Error("Failed to stop capture",
			logger.String("owner", req.Owner),
			logger.Error(err))
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"owner":  req.Owner,
		"active": false,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetCaptureStatus reports whether an owner's capture is running
func (h *Handler) GetCaptureStatus(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "Missing owner", http.StatusBadRequest)
		return
	}

	response := map[string]interface{}{
		"owner":  owner,
		"active": h.captureService.Active(owner),
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetTranscripts returns stored final transcripts, newest first
func (h *Handler) GetTranscripts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)
	if limit > h.config.Storage.MaxTranscripts {
		limit = h.config.Storage.MaxTranscripts
	}

	var (
		records []*sqlite.TranscriptRecord
		err     error
	)
	source := r.URL.Query().Get("source")
	switch source {
	case "":
		records, err = h.transcriptStorage.GetTranscripts(limit, offset)
	case string(audio.SourceMic), string(audio.SourceSystem):
		records, err = h.transcriptStorage.GetTranscriptsBySource(source, limit, offset)
	default:
		http.Error(w, "Invalid source (must be mic or system)", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("Failed to query transcripts", logger.Error(err))
		http.Error(w, "Failed to query transcripts", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"transcripts": records,
		"count":       len(records),
		"limit":       limit,
		"offset":      offset,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	WriteJSON(w, http.StatusOK, response)
}

// Generate runs a chat completion through the provider rotation
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []provider.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to parse generate request", logger.Error(err))
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "Missing messages", http.StatusBadRequest)
		return
	}

	text, err := h.providerRouter.Generate(r.Context(), req.Messages)
	if err != nil {
		h.logger.Error("Completion failed", logger.Error(err))
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"text":            text,
		"fallback_active": h.providerRouter.FallbackActive(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetProviderStatus reports the active provider path
func (h *Handler) GetProviderStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"fallback_active": h.providerRouter.FallbackActive(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// SwitchProviderToCloud returns routing to the ranked cloud profiles after a
// sticky local-fallback switch
func (h *Handler) SwitchProviderToCloud(w http.ResponseWriter, r *http.Request) {
	h.providerRouter.SwitchToCloud()
	h.logger.Info("Provider routing switched back to cloud profiles")

	response := map[string]interface{}{
		"fallback_active": false,
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	WriteJSON(w, http.StatusOK, response)
}

// HandleWebSocket upgrades the connection and registers it with the event hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

// Helper functions
func parsePaginationParams(r *http.Request) (int, int) {
	limit := 100 // Default limit
	offset := 0  // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

// statusForKind maps a pipeline fault kind to an HTTP status code
func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindRegionBlocked:
		return http.StatusForbidden
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindTransport, fault.KindProtocol:
		return http.StatusBadGateway
	case fault.KindUnsupportedModel:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a structured error body with the fault kind preserved
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	WriteJSON(w, statusForKind(kind), map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
