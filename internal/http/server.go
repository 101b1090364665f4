package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reporthub/reporthub/internal/log"
	"github.com/reporthub/reporthub/pkg/storage"
)

// StartAdminServer exposes the operational surface of a hub process:
// liveness, Prometheus metrics and read-only task lookups.
func StartAdminServer(port string, store storage.Store) error {
	http.HandleFunc("/health", HealthHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/tasks/", TaskHandler(store))

	log.GetLogger().Infof("Starting ReportHub admin server on :%s", port)
	return http.ListenAndServe(":"+port, nil)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ReportHub server is running")
}

// TaskHandler serves GET /tasks/{report-id} with the task's pipeline state.
func TaskHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := uuid.Parse(r.URL.Path[len("/tasks/"):])
		if err != nil {
			http.Error(w, "Invalid report ID", http.StatusBadRequest)
			return
		}
		task, err := store.FetchTask(id)
		if err == storage.ErrNotFound {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to fetch task %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to fetch task: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Report: %s\n", task.ReportID)
		fmt.Fprintf(w, "Receiver: %s\n", task.ReceiverName)
		fmt.Fprintf(w, "Schema: %s\n", task.SchemaName)
		fmt.Fprintf(w, "Items: %d\n", task.ItemCount)
		fmt.Fprintf(w, "Next action: %s\n", task.NextAction)
		if task.NextActionAt != nil {
			fmt.Fprintf(w, "Scheduled: %s\n", task.NextActionAt.Format(time.RFC3339))
		}
		lineages, err := store.FetchItemLineages(id)
		if err != nil {
			log.GetLogger().Errorf("Failed to fetch item lineage for %s: %v", id, err)
			return
		}
		for _, l := range lineages {
			fmt.Fprintf(w, "Item %d: from %s[%d]\n", l.ChildIndex, l.ParentReportID, l.ParentIndex)
		}
	}
}
