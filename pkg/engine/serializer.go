package engine

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/reporthub/reporthub/pkg/models"
)

// internalBody is the stored shape of an INTERNAL format report body.
type internalBody struct {
	ReportID   string        `json:"reportId"`
	SchemaName string        `json:"schemaName"`
	Items      []models.Item `json:"items"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// DefaultSerializer handles the INTERNAL (JSON) and CSV body formats. HL7
// serialization is a collaborator concern and is wired in by the caller
// when an HL7 receiver is configured.
type DefaultSerializer struct{}

func NewDefaultSerializer() *DefaultSerializer { return &DefaultSerializer{} }

func (s *DefaultSerializer) Serialize(report models.Report) ([]byte, error) {
	switch report.BodyFormat {
	case models.FormatInternal:
		return json.Marshal(internalBody{
			ReportID:   report.ID.String(),
			SchemaName: report.SchemaName,
			Items:      report.Items,
			CreatedAt:  report.CreatedAt,
		})
	case models.FormatCSV:
		// Item payloads are opaque rows; the body is their line join.
		var buf bytes.Buffer
		for _, item := range report.Items {
			buf.Write(item.Payload)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Errorf("no serializer for format %s", report.BodyFormat)
	}
}

func (s *DefaultSerializer) Deserialize(task models.Task, body []byte) (models.Report, error) {
	switch task.BodyFormat {
	case models.FormatInternal:
		var stored internalBody
		if err := json.Unmarshal(body, &stored); err != nil {
			return models.Report{}, errors.Wrapf(err, "corrupt internal body for %s", task.ReportID)
		}
		return models.Report{
			ID:         task.ReportID,
			SchemaName: stored.SchemaName,
			BodyFormat: models.FormatInternal,
			Items:      stored.Items,
			CreatedAt:  stored.CreatedAt,
		}, nil
	case models.FormatCSV:
		trimmed := bytes.TrimRight(body, "\n")
		var items []models.Item
		// Split of an empty body would yield one empty row; a zero-item
		// report has zero rows.
		if len(trimmed) > 0 {
			lines := bytes.Split(trimmed, []byte("\n"))
			items = make([]models.Item, len(lines))
			for i, line := range lines {
				items[i] = models.Item{Payload: line}
			}
		}
		return models.Report{
			ID:         task.ReportID,
			SchemaName: task.SchemaName,
			BodyFormat: models.FormatCSV,
			Items:      items,
			CreatedAt:  task.CreatedAt,
		}, nil
	default:
		return models.Report{}, errors.Errorf("no deserializer for format %s", task.BodyFormat)
	}
}
