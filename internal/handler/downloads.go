package handler

import (
	"net/http"

	"flawhunt-web/internal/downloads"
)

func downloadsHandler(svc *downloads.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Catalog(r.Context()))
	}
}
