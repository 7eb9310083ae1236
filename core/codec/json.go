package codec

import "github.com/goccy/go-json"

// EncodeJSON serializes v and encodes the result as JSON.
func (c *Codec) EncodeJSON(v any) ([]byte, error) {
	s, err := c.Serialize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// DecodeJSON decodes JSON produced by EncodeJSON and deserializes it.
// Numbers decode as float64.
func (c *Codec) DecodeJSON(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return c.Deserialize(raw)
}
