package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinygraph-incubator/tinygraph/config"
	"github.com/tinygraph-incubator/tinygraph/database"
)

func newTestManager(t *testing.T) *database.Manager {
	m, err := database.NewManager(config.NewTestConfig())
	require.Nil(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	response := httptest.NewRecorder()
	h.ServeHTTP(response, httptest.NewRequest(http.MethodGet, path, nil))
	return response
}

func TestDatabaseInfo(t *testing.T) {
	m := newTestManager(t)
	d, err := m.Create("graph")
	require.Nil(t, err)
	_, err = m.Create("other")
	require.Nil(t, err)

	s, err := d.CreateSession(database.SessionData, config.Session{})
	require.Nil(t, err)
	defer s.Close()
	txn, err := s.Transaction(database.TransactionWrite, config.Transaction{})
	require.Nil(t, err)
	defer txn.Close()

	h := NewHandler(m)
	response := get(t, h, "/api/v1/databases/graph")
	require.Equal(t, http.StatusOK, response.Code)
	var info DatabaseInfo
	require.Nil(t, json.Unmarshal(response.Body.Bytes(), &info))
	assert.Equal(t, "graph", info.Name)
	assert.True(t, info.Open)
	assert.Equal(t, 1, info.DataSessions)
	assert.Equal(t, 0, info.SchemaSessions)
	assert.Equal(t, 1, info.OpenWrites)
	assert.Equal(t, 1, info.RetainedEvents)

	response = get(t, h, "/api/v1/databases")
	require.Equal(t, http.StatusOK, response.Code)
	var infos []DatabaseInfo
	require.Nil(t, json.Unmarshal(response.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "graph", infos[0].Name)
	assert.Equal(t, "other", infos[1].Name)
	assert.Equal(t, 0, infos[1].OpenWrites)
}

func TestDatabaseNotFound(t *testing.T) {
	h := NewHandler(newTestManager(t))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/databases/missing").Code)
	assert.Equal(t, http.StatusOK, get(t, h, pingAPI).Code)
}

func TestMetrics(t *testing.T) {
	m := newTestManager(t)
	d, err := m.Create("graph")
	require.Nil(t, err)
	s, err := d.CreateSession(database.SessionData, config.Session{})
	require.Nil(t, err)
	defer s.Close()

	response := get(t, NewHandler(m), "/metrics")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "tinygraph_session_open")
}
