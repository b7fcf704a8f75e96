package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/middleware"
	"github.com/amerfu/infergate/internal/services/routing"
)

type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

type ModelsHandler struct {
	logger *zap.Logger
	router *routing.Router
}

func NewModelsHandler(logger *zap.Logger, router *routing.Router) *ModelsHandler {
	return &ModelsHandler{logger: logger, router: router}
}

// ListModels returns the union of manual and discovered models.
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	ids := h.router.ListModels()
	list := ModelList{Object: "list", Data: make([]ModelObject, 0, len(ids))}
	for _, id := range ids {
		obj := ModelObject{ID: id, Object: "model"}
		if target, err := h.router.Resolve(id); err == nil {
			obj.OwnedBy = string(target.Engine)
		}
		list.Data = append(list.Data, obj)
	}

	key, _ := middleware.GetAPIKey(r.Context())
	h.logger.Debug("Listed models", zap.String("user", key.User), zap.Int("count", len(ids)))
	sendJSON(h.logger, w, http.StatusOK, list)
}
