package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var knownFields = map[string]struct{}{
	"host":     {},
	"port":     {},
	"dbname":   {},
	"username": {},
	"password": {},
	"uri":      {},
}

// Record is the JSON credential document stored in a secret. Fields the service
// does not model are kept in Extra and written back untouched.
type Record struct {
	Host     string
	Port     int
	DBName   string
	Username string
	Password string
	URI      string
	Extra    map[string]json.RawMessage
}

// UnmarshalJSON accepts port as either a JSON number or a numeric string.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Record
	for key, value := range raw {
		var err error
		switch key {
		case "host":
			err = decodeString(value, &out.Host)
		case "port":
			out.Port, err = decodePort(value)
		case "dbname":
			err = decodeString(value, &out.DBName)
		case "username":
			err = decodeString(value, &out.Username)
		case "password":
			err = decodeString(value, &out.Password)
		case "uri":
			err = decodeString(value, &out.URI)
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key] = value
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}

	*r = out
	return nil
}

// MarshalJSON writes known fields that are set plus every Extra field, keys sorted.
func (r Record) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+len(knownFields))
	for key, value := range r.Extra {
		if _, known := knownFields[key]; known {
			continue
		}
		fields[key] = value
	}

	set := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = data
		return nil
	}

	pairs := []struct {
		key   string
		value string
	}{
		{"host", r.Host},
		{"dbname", r.DBName},
		{"username", r.Username},
		{"password", r.Password},
		{"uri", r.URI},
	}
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		if err := set(p.key, p.value); err != nil {
			return nil, err
		}
	}
	if r.Port != 0 {
		if err := set("port", r.Port); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(fields[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a deep copy so callers can merge without aliasing Extra.
func (r Record) Clone() Record {
	out := r
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for key, value := range r.Extra {
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return out
}

func decodeString(value json.RawMessage, dest *string) error {
	if string(value) == "null" {
		return nil
	}
	return json.Unmarshal(value, dest)
}

func decodePort(value json.RawMessage) (int, error) {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "null" || trimmed == `""` {
		return 0, nil
	}

	text := trimmed
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal(value, &text); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
	}

	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid port %s", trimmed)
	}
	return port, nil
}
