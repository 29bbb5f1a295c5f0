package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/Mindburn-Labs/benchdepot/pkg/api"
	"github.com/Mindburn-Labs/benchdepot/pkg/audit"
	"github.com/Mindburn-Labs/benchdepot/pkg/auth"
	"github.com/Mindburn-Labs/benchdepot/pkg/relay"
)

// Intaker runs relay intakes.
type Intaker interface {
	Run(ctx context.Context, req relay.Request) (*relay.Result, error)
}

// UploadResponse is the body of a successful relay request.
type UploadResponse struct {
	Message    string   `json:"message"`
	Name       string   `json:"name"`
	ResourceID string   `json:"resource_id"`
	Notes      []string `json:"notes"`
}

type relayHandler struct {
	intake    Intaker
	serverURL string
}

func (h *relayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uri := strings.TrimPrefix(ps.ByName("uri"), "/")
	if uri == "" {
		api.WriteBadRequest(w, "Relay URI is required")
		return
	}

	remove, err := parseDelete(r)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	req := relay.Request{URI: uri, Delete: remove}
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		req.Actor = audit.Actor{ID: p.ID, Name: p.Name}
	}

	res, err := h.intake.Run(r.Context(), req)
	if err != nil {
		if rerr, ok := relay.AsError(err); ok {
			api.WriteError(w, rerr.Status, rerr.Message)
			return
		}
		api.WriteInternal(w, r, err)
		return
	}

	notes := res.Notes
	if notes == nil {
		notes = []string{}
	}
	if res.Duplicate {
		api.WriteJSON(w, http.StatusOK, &UploadResponse{
			Message:    "Dataset already exists",
			Name:       res.Name,
			ResourceID: res.ResourceID,
			Notes:      notes,
		})
		return
	}

	w.Header().Set("Location", fmt.Sprintf("%s/api/v1/datasets/%s/inventory/", h.baseURL(r), res.ResourceID))
	api.WriteJSON(w, http.StatusCreated, &UploadResponse{
		Message:    "File successfully uploaded",
		Name:       res.Name,
		ResourceID: res.ResourceID,
		Notes:      notes,
	})
}

// parseDelete reads the optional "delete" query flag.
func parseDelete(r *http.Request) (bool, error) {
	values, ok := r.URL.Query()["delete"]
	if !ok || len(values) == 0 {
		return false, nil
	}
	v := values[len(values)-1]
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("Value '%s' (str) cannot be parsed as a boolean", v) //nolint:staticcheck // client facing message
}

func (h *relayHandler) baseURL(r *http.Request) string {
	if h.serverURL != "" {
		return strings.TrimSuffix(h.serverURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
