// Package status serves the state of a Manager's databases and the process
// metrics over HTTP.
package status

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinygraph-incubator/tinygraph/database"
	"github.com/unrolled/render"
)

const pingAPI = "/ping"

// NewHandler returns the status API of m.
func NewHandler(m *database.Manager) http.Handler {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter()
	databaseHandler := newDatabaseHandler(m, rd)
	router.HandleFunc("/api/v1/databases", databaseHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/databases/{name}", databaseHandler.Get).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	return router
}
