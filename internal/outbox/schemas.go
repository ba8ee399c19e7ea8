package outbox

const recordUpsertedSchema = `{
  "type": "object",
  "title": "RecordUpserted",
  "properties": {
    "record_id": {"type": "string"},
    "record_type": {"type": "string"},
    "data_origin": {"type": "string"},
    "sequence_id": {"type": "integer"},
    "start_time": {"type": "string", "format": "date-time"},
    "end_time": {"type": "string", "format": "date-time"},
    "start_zone_offset": {"type": "integer"},
    "end_zone_offset": {"type": "integer"},
    "last_modified": {"type": "string", "format": "date-time"},
    "value": {"type": "number"}
  },
  "required": ["record_id", "record_type", "data_origin", "sequence_id", "start_time", "end_time", "last_modified", "value"],
  "additionalProperties": false
}`

const recordDeletedSchema = `{
  "type": "object",
  "title": "RecordDeleted",
  "properties": {
    "record_id": {"type": "string"},
    "record_type": {"type": "string"},
    "data_origin": {"type": "string"},
    "sequence_id": {"type": "integer"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "record_type", "data_origin", "sequence_id", "occurred_at"],
  "additionalProperties": false
}`
