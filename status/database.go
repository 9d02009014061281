package status

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/tinygraph-incubator/tinygraph/database"
	"github.com/unrolled/render"
)

// DatabaseInfo is the state of one database.
type DatabaseInfo struct {
	Name           string `json:"name"`
	Open           bool   `json:"open"`
	SchemaSessions int    `json:"schema_sessions"`
	DataSessions   int    `json:"data_sessions"`

	// Data write storages tracked by the ConsistencyManager.
	OpenWrites       int `json:"open_writes"`
	CommittingWrites int `json:"committing_writes"`
	RetainedEvents   int `json:"retained_events"`

	SchemaWriteWaiting bool  `json:"schema_write_waiting"`
	StatisticsSnapshot int64 `json:"statistics_snapshot"`
}

type databaseHandler struct {
	manager *database.Manager
	rd      *render.Render
}

func newDatabaseHandler(m *database.Manager, rd *render.Render) *databaseHandler {
	return &databaseHandler{manager: m, rd: rd}
}

func newDatabaseInfo(d *database.Database) (*DatabaseInfo, error) {
	info := &DatabaseInfo{Name: d.Name(), Open: d.IsOpen()}
	if !info.Open {
		return info, nil
	}
	for _, s := range d.Sessions() {
		if s.Type() == database.SessionSchema {
			info.SchemaSessions++
		} else {
			info.DataSessions++
		}
	}
	cm := d.ConsistencyManager()
	info.OpenWrites, info.CommittingWrites = cm.Counts()
	info.RetainedEvents = cm.EventCount()
	info.SchemaWriteWaiting = d.SchemaLock().HasWriteRequests()
	snapshot, err := d.StatisticsSnapshot()
	if err != nil {
		return nil, err
	}
	info.StatisticsSnapshot = snapshot
	return info, nil
}

func (h *databaseHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := []*DatabaseInfo{}
	for _, d := range h.manager.All() {
		info, err := newDatabaseInfo(d)
		if errors.Cause(err) == database.ErrResourceClosed {
			continue
		}
		if err != nil {
			h.rd.JSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		infos = append(infos, info)
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *databaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.manager.Get(mux.Vars(r)["name"])
	if err != nil {
		h.rd.JSON(w, http.StatusNotFound, err.Error())
		return
	}
	info, err := newDatabaseInfo(d)
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, info)
}
