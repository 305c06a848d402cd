package dispatch

import (
	"context"
	"strings"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/shared/clients/indicators"
)

// RemoteIndicators adapts the indicators service client to IndicatorProvider.
type RemoteIndicators struct {
	client *indicators.Client
}

func NewRemoteIndicators(client *indicators.Client) *RemoteIndicators {
	return &RemoteIndicators{client: client}
}

func (r *RemoteIndicators) FindAllActive(ctx context.Context) ([]models.Indicator, error) {
	list, err := r.client.FindAllActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Indicator, 0, len(list))
	for _, ind := range list {
		out = append(out, models.Indicator{
			ID:           ind.ID,
			Key:          ind.Key,
			Title:        ind.Title,
			ThresholdMin: ind.ThresholdMin,
			ThresholdMax: ind.ThresholdMax,
			Kind:         strings.ToUpper(strings.TrimSpace(ind.Type)),
			Active:       ind.Active,
		})
	}
	return out, nil
}
