package handler

import (
	"net/http"

	"github.com/quillchat/quillchat/internal/model"
)

// Models handles GET /models, listing what the configured provider can serve.
func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.ModelsResponse{
		Provider: h.llm.Name(),
		Models:   h.llm.Models(),
	})
}
