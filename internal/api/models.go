package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/deepread/deepread/internal/chat"
	"github.com/deepread/deepread/internal/correlation"
	"github.com/deepread/deepread/internal/observability"
	"github.com/deepread/deepread/internal/providers"
)

const modelsBodyLimit = 1 << 20

type modelsResponse struct {
	Models []string `json:"models"`
}

// ModelsHandler lists the models a provider offers for the supplied
// credentials.
func ModelsHandler(clients *providers.ClientCache, logger *slog.Logger) http.Handler {
	if clients == nil {
		clients = providers.NewClientCache()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var cfg chat.LLMConfig
		if !decodeJSONBody(w, r, modelsBodyLimit, &cfg) {
			return
		}
		tagRequest(r.Context(), cfg.ProviderName, "")

		client, err := clients.GetOrCreate(cfg.ProviderName, cfg.Config)
		if err != nil {
			var configErr *providers.ConfigurationError
			if errors.As(err, &configErr) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		models, err := client.ListModels(r.Context())
		if err != nil {
			correlationID, _ := correlation.FromContext(r.Context())
			logger.WarnContext(r.Context(), "list models failed",
				"correlation_id", correlationID,
				"provider", client.Name(),
				"error", observability.ScrubCredentials(err.Error()),
			)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if models == nil {
			models = []string{}
		}
		writeJSON(w, http.StatusOK, modelsResponse{Models: models})
	})
}
