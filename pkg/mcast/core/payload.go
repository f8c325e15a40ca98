package core

import (
	"encoding/json"
	"strconv"
)

// decodePayload re-marshals a generically-decoded JSON payload (a
// map[string]interface{}, as produced by unpack) into a concrete struct.
// Every handler's payload type round-trips through this, since the wire
// codec only knows about interface{} at the Packet level.
func decodePayload[T any](payload interface{}) (T, bool) {
	var out T
	data, err := json.Marshal(payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

// marshalPayload renders a decoded application payload back into bytes for
// delivery to the application, which expects an opaque byte slice rather
// than a live interface{} value.
func marshalPayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
