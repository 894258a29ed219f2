package store

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/serp-enricher/internal/model"
)

// statisticsColumns aggregates query_records into the Statistics fields.
const statisticsColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN normalized IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN main_intent IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN payload IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN ads IS NOT NULL THEN 1 ELSE 0 END), 0)`

func scanStatistics(row scannable) (*model.Statistics, error) {
	var st model.Statistics
	if err := row.Scan(&st.Total, &st.Pending, &st.Processing, &st.Completed, &st.Errored,
		&st.WithNormalized, &st.WithIntent, &st.WithSERP, &st.WithAds); err != nil {
		return nil, err
	}
	st.ComputeRate()
	return &st, nil
}

// attributeSets builds the SET clauses for the non-nil attributes.
// placeholder receives the 1-based parameter index.
func attributeSets(attrs model.Attributes, placeholder func(int) string) ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, placeholder(len(args))))
	}

	if attrs.Normalized != nil {
		add("normalized", *attrs.Normalized)
	}
	if attrs.Lemmatized != nil {
		add("lemmatized", *attrs.Lemmatized)
	}
	if attrs.Entities != nil {
		b, err := json.Marshal(attrs.Entities)
		if err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal entities")
		}
		add("entities", string(b))
	}
	if attrs.Intent != nil {
		if attrs.Intent.MainIntent != nil {
			add("main_intent", *attrs.Intent.MainIntent)
		}
		if attrs.Intent.CommercialScore != nil {
			add("commercial_score", *attrs.Intent.CommercialScore)
		}
		if attrs.Intent.InformationalScore != nil {
			add("informational_score", *attrs.Intent.InformationalScore)
		}
	}
	if !attrs.Ads.Empty() {
		b, err := json.Marshal(attrs.Ads)
		if err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal ads")
		}
		add("ads", string(b))
	}
	if attrs.ClusterID != nil {
		add("cluster_id", *attrs.ClusterID)
	}
	return sets, args, nil
}

func observationCounts(obs model.Observation) (commercial, informational int64) {
	if obs.IsCommercial {
		return 1, 0
	}
	return 0, 1
}

func completionSource(c model.Completion) model.PayloadSource {
	if c.Source == "" {
		return model.SourceAPI
	}
	return c.Source
}
