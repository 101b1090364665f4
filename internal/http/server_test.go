package http_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	internal_http "github.com/reporthub/reporthub/internal/http"
	"github.com/reporthub/reporthub/pkg/models"
	"github.com/reporthub/reporthub/pkg/storage"
)

func TestAdminServer(t *testing.T) {
	store := storage.NewMockStore()
	task := models.Task{
		ReportID:     uuid.New(),
		SchemaName:   "covid-19",
		ReceiverName: "county-doh.elr",
		ItemCount:    4,
		BodyFormat:   models.FormatCSV,
		BodyURL:      "s3://bucket/body.csv",
		CreatedAt:    time.Now(),
		NextAction:   models.ActionSend,
	}
	assert.NoError(t, store.InsertTask(task))
	parent := uuid.New()
	assert.NoError(t, store.InsertItemLineages([]models.ItemLineage{
		{ParentReportID: parent, ParentIndex: 2, ChildReportID: task.ReportID, ChildIndex: 0},
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", internal_http.HealthHandler)
	mux.HandleFunc("/tasks/", internal_http.TaskHandler(store))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("HealthCheck", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "ReportHub server is running", string(body))
	})

	t.Run("GetTask", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/tasks/" + task.ReportID.String())
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Report: "+task.ReportID.String())
		assert.Contains(t, string(body), "Receiver: county-doh.elr")
		assert.Contains(t, string(body), "Next action: SEND")
		assert.Contains(t, string(body), "Item 0: from "+parent.String()+"[2]")
	})

	t.Run("GetMissingTask", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/tasks/" + uuid.New().String())
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("GetTaskBadID", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/tasks/not-a-uuid")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("RejectsPost", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL+"/tasks/"+task.ReportID.String(), "text/plain", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
