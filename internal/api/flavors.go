package api

import (
	"net/http"

	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/preflight"
)

type FlavorsHandler struct {
	flavors flavor.Set
}

func NewFlavorsHandler(flavors flavor.Set) *FlavorsHandler {
	return &FlavorsHandler{flavors: flavors}
}

// HandleList reports each flavor and whether its debugger is on PATH.
func (h *FlavorsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, preflight.Check(h.flavors))
}
