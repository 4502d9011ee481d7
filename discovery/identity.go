package discovery

import (
	"encoding/json"
	"strings"
)

// Unknown fills identity fields the VM does not report.
const Unknown = "Unknown"

type identity struct {
	projectName string
	device      string
	vmVersion   string
}

type document map[string]json.RawMessage

// str returns the field as a string; ok is false when it is missing or not a
// string.
func (d document) str(key string) (string, bool) {
	raw, found := d[key]
	if !found {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (d document) object(key string) document {
	var sub document
	if raw, found := d[key]; found {
		_ = json.Unmarshal(raw, &sub)
	}
	return sub
}

// identify checks that raw is a VM object carrying string type and name, and
// extracts whatever identity it reports. Missing identity becomes Unknown.
func identify(raw json.RawMessage) (identity, bool) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return identity{}, false
	}
	if _, ok := doc.str("type"); !ok {
		return identity{}, false
	}
	if _, ok := doc.str("name"); !ok {
		return identity{}, false
	}

	model := doc.object("targetModel")
	version, _ := doc.str("version")

	return identity{
		projectName: projectName(doc, model),
		device:      deviceType(doc, model),
		vmVersion:   orUnknown(version),
	}, true
}

func projectName(doc, model document) string {
	for _, candidate := range []struct {
		doc document
		key string
	}{{doc, "name"}, {doc, "_name"}, {model, "name"}} {
		if s, ok := candidate.doc.str(candidate.key); ok && s != "" && s != Unknown {
			return s
		}
	}
	return Unknown
}

func deviceType(doc, model document) string {
	if v, ok := doc.str("operatingSystemVersion"); ok {
		switch {
		case strings.Contains(v, "Windows"):
			return "Windows"
		case strings.Contains(v, "Linux"):
			return "Linux"
		case strings.Contains(v, "Darwin"), strings.Contains(v, "macOS"):
			return "macOS"
		}
	}
	if kind, ok := model.str("_kind"); ok {
		switch {
		case strings.Contains(kind, "Chrome"):
			return "Chrome"
		case strings.Contains(kind, "Web"):
			return "Web"
		}
	}
	return Unknown
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
