package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reporthub/reporthub/pkg/models"
)

// RoutingTranslator is the built-in Translator for deployments without an
// external translation service: it routes a report unchanged to every
// receiver subscribed to the report's schema. Filtering and format
// conversion beyond the serializer's are collaborator concerns.
type RoutingTranslator struct {
	settings SettingsProvider
}

func NewRoutingTranslator(settings SettingsProvider) *RoutingTranslator {
	return &RoutingTranslator{settings: settings}
}

func (t *RoutingTranslator) TranslateAndFilter(ctx context.Context, report models.Report) ([]RoutedReport, error) {
	var routed []RoutedReport
	for _, receiver := range t.settings.Receivers() {
		if receiver.SchemaName != report.SchemaName {
			continue
		}
		child := models.Report{
			ID:         uuid.New(),
			SchemaName: report.SchemaName,
			BodyFormat: report.BodyFormat,
			Items:      append([]models.Item(nil), report.Items...),
			CreatedAt:  time.Now(),
		}
		indexes := make([]int, len(report.Items))
		for i := range indexes {
			indexes[i] = i
		}
		routed = append(routed, RoutedReport{
			Report:            child,
			Receiver:          receiver,
			ParentItemIndexes: indexes,
		})
	}
	return routed, nil
}
