package handlers

import (
	"net/http"

	"gemigate/internal/apierror"
)

// Speech handles POST /v1/audio/speech. The upstream has no speech synthesis
// endpoint, so the route answers with a structured error instead of a 404.
// 501, not 400: the request is well-formed, the capability is missing.
func (h *Handler) Speech(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, &apierror.Error{
		Status:  http.StatusNotImplemented,
		Type:    apierror.TypeNotSupported,
		Code:    "unsupported_endpoint",
		Message: "audio speech synthesis is not supported by this gateway",
	})
}
