package sendable

import (
	"bytes"
	"encoding/json"
)

// jsonDecoder returns a decoder that preserves the int/double distinction
// by reporting numbers as json.Number.
func jsonDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}
