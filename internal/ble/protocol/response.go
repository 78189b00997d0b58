package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// RawHexKey holds the hex body of a known action whose body is not JSON.
const RawHexKey = "raw_hex"

// Properties is the decoded body of a response. Numbers are int64 when
// integral and float64 otherwise.
type Properties map[string]any

// Int returns the property as an integer.
func (p Properties) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the property as a float.
func (p Properties) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Text returns a string property.
func (p Properties) Text(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Merge copies every property of other into p.
func (p Properties) Merge(other Properties) {
	maps.Copy(p, other)
}

// Response is a decoded response frame.
type Response struct {
	Action ActionID
	Type   MsgType
	// Props is nil for actions outside the catalogue.
	Props Properties
	Raw   []byte
}

// Opaque reports whether the response was left undecoded.
func (r Response) Opaque() bool { return r.Props == nil }

func (r Response) String() string {
	if r.Opaque() {
		return fmt.Sprintf("%s: %x", r.Action, r.Raw)
	}
	return fmt.Sprintf("%s: %d properties", r.Action, len(r.Props))
}

// ParseResponse decodes the body of a complete frame. Unknown actions come
// back opaque so new firmware does not break the pipeline. A known action
// whose body is not a JSON object yields only RawHexKey.
func ParseResponse(f Frame) Response {
	r := Response{Action: f.Action, Type: f.Type, Raw: f.Body}
	if !f.Action.Known() {
		return r
	}
	if len(f.Body) == 0 {
		r.Props = Properties{}
		return r
	}
	props, err := parseProperties(f.Body)
	if err != nil {
		r.Props = Properties{RawHexKey: hex.EncodeToString(f.Body)}
		return r
	}
	r.Props = props
	return r
}

func parseProperties(body []byte) (Properties, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	props := make(Properties, len(raw))
	for k, v := range raw {
		props[k] = normalize(v)
	}
	return props, nil
}

func normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = normalize(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = normalize(e)
		}
		return v
	}
	return v
}
