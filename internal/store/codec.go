package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/serp-enricher/internal/model"
)

// recordColumns is the column order shared by every record SELECT.
const recordColumns = `query_group, keyword, frequency_world, frequency_exact,
	normalized, lemmatized, entities, main_intent, commercial_score, informational_score,
	status, request_id, error_message, payload, source, ads, cluster_id,
	domains_observed, created_at, last_updated`

// encodedRecord holds the JSON-serialized columns of a record.
type encodedRecord struct {
	entities []byte
	payload  []byte
	ads      []byte
}

func encodeRecord(rec *model.QueryRecord) (encodedRecord, error) {
	var (
		enc encodedRecord
		err error
	)
	if len(rec.Entities) > 0 {
		if enc.entities, err = json.Marshal(rec.Entities); err != nil {
			return enc, eris.Wrap(err, "store: marshal entities")
		}
	}
	if rec.Payload != nil {
		if enc.payload, err = json.Marshal(rec.Payload); err != nil {
			return enc, eris.Wrap(err, "store: marshal payload")
		}
	}
	if !rec.Ads.Empty() {
		if enc.ads, err = json.Marshal(rec.Ads); err != nil {
			return enc, eris.Wrap(err, "store: marshal ads")
		}
	}
	return enc, nil
}

func decodeJSONColumns(rec *model.QueryRecord, entities, payload, ads []byte) error {
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &rec.Entities); err != nil {
			return eris.Wrapf(err, "store: unmarshal entities %s/%s", rec.Group, rec.Keyword)
		}
	}
	if len(payload) > 0 {
		rec.Payload = &model.Payload{}
		if err := json.Unmarshal(payload, rec.Payload); err != nil {
			return eris.Wrapf(err, "store: unmarshal payload %s/%s", rec.Group, rec.Keyword)
		}
	}
	if len(ads) > 0 {
		rec.Ads = &model.AdMetrics{}
		if err := json.Unmarshal(ads, rec.Ads); err != nil {
			return eris.Wrapf(err, "store: unmarshal ads %s/%s", rec.Group, rec.Keyword)
		}
	}
	return nil
}

// nullable maps "" to a NULL parameter.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullText maps an empty JSON encoding to a NULL parameter.
func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// intentArgs returns the three intent parameters, NULL when unset.
func intentArgs(in *model.Intent) (any, any, any) {
	if in == nil {
		return nil, nil, nil
	}
	var label, comm, info any
	if in.MainIntent != nil {
		label = *in.MainIntent
	}
	if in.CommercialScore != nil {
		comm = *in.CommercialScore
	}
	if in.InformationalScore != nil {
		info = *in.InformationalScore
	}
	return label, comm, info
}
