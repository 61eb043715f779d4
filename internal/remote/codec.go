package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agrogringo/recsync/internal/record"
)

// Document is a remote record: field name to JSON-compatible value.
// Timestamp fields hold Timestamp values.
type Document map[string]any

// ID returns the document's id field.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// UserID returns the document's userId field.
func (d Document) UserID() string {
	u, _ := d["userId"].(string)
	return u
}

// Fecha returns the document's fecha field, or the zero time.
func (d Document) Fecha() time.Time {
	ts, err := toTimestamp(d["fecha"])
	if err != nil {
		return time.Time{}
	}
	return ts.Time()
}

// Timestamp is the remote-native date type. It crosses the wire as
// milliseconds since the Unix epoch.
type Timestamp struct {
	t time.Time
}

// TimestampOf converts a local time to a remote timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Millisecond)}
}

// TimestampFromMillis builds a timestamp from epoch milliseconds.
func TimestampFromMillis(ms int64) Timestamp {
	return Timestamp{t: time.UnixMilli(ms).UTC()}
}

// Time converts the timestamp to a local time.
func (ts Timestamp) Time() time.Time { return ts.t }

// Millis returns milliseconds since the Unix epoch.
func (ts Timestamp) Millis() int64 { return ts.t.UnixMilli() }

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(ts.Millis(), 10)), nil
}

// timestampFields are converted between Timestamp and time.Time at the boundary.
var timestampFields = []string{"fecha", "timestampUltimaModificacion"}

// localOnlyFields never leave the device.
var localOnlyFields = []string{"syncStatus"}

// EncodeDocument converts a record into the document written remotely.
//
// Contract:
//   - local-only fields (syncStatus) are removed
//   - assets still pending upload become null
//   - every other field is present; unset values are explicit nulls
//   - fecha and timestampUltimaModificacion are Timestamps
func EncodeDocument(rec *record.Recommendation) (Document, error) {
	c := rec.Clone()
	for _, slot := range c.PendingAssets() {
		*slot.Asset = record.Asset{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recommendation %s: %w", rec.ID, err)
	}

	doc, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}

	for _, f := range localOnlyFields {
		delete(doc, f)
	}
	doc["fecha"] = TimestampOf(rec.Fecha)
	doc["timestampUltimaModificacion"] = TimestampOf(rec.TimestampUltimaModificacion)
	return doc, nil
}

// DecodeDocument converts a remote document into a local record marked synced.
func DecodeDocument(doc Document) (*record.Recommendation, error) {
	if doc.ID() == "" {
		return nil, errors.New("document has no id")
	}

	c := make(Document, len(doc))
	for k, v := range doc {
		c[k] = v
	}
	for _, f := range timestampFields {
		v, ok := c[f]
		if !ok || v == nil {
			continue
		}
		ts, err := toTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("document %s field %s: %w", doc.ID(), f, err)
		}
		c[f] = ts.Time()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", doc.ID(), err)
	}

	var rec record.Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", doc.ID(), err)
	}
	rec.SyncStatus = record.StatusSynced
	return &rec, nil
}

// toTimestamp accepts the forms a timestamp takes after a JSON round trip.
func toTimestamp(v any) (Timestamp, error) {
	switch t := v.(type) {
	case Timestamp:
		return t, nil
	case time.Time:
		return TimestampOf(t), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", t, err)
		}
		return TimestampFromMillis(ms), nil
	case float64:
		return TimestampFromMillis(int64(t)), nil
	case int64:
		return TimestampFromMillis(t), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", t, err)
		}
		return TimestampOf(parsed), nil
	default:
		return Timestamp{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func decodeJSON(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document JSON: %w", err)
	}
	return doc, nil
}

// normalize restores Timestamp values after a JSON round trip.
func normalize(doc Document) Document {
	for _, f := range timestampFields {
		v, ok := doc[f]
		if !ok || v == nil {
			continue
		}
		if ts, err := toTimestamp(v); err == nil {
			doc[f] = ts
		}
	}
	return doc
}
