package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type OfficialAttribution struct {
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
	Position   string `json:"position,omitempty"`
}

// ActionMetadata is the typed payload stored in action_logs.metadata.
type ActionMetadata struct {
	Official         OfficialAttribution `json:"official"`
	PetitionTitle    string              `json:"petitionTitle,omitempty"`
	PollTitle        string              `json:"pollTitle,omitempty"`
	PreviousStatus   string              `json:"previousStatus,omitempty"`
	NewStatus        string              `json:"newStatus,omitempty"`
	Note             string              `json:"note,omitempty"`
	VerificationNote string              `json:"verificationNote,omitempty"`
	ResponseType     string              `json:"responseType,omitempty"`
	ResponseMessage  string              `json:"responseMessage,omitempty"`
}

// Older records carry the official as loose keys. Each field takes the first
// non-empty string in its list.
var (
	legacyOfficialName       = []string{"officialName", "official.name", "verifiedByName", "verifiedBy", "reviewedByName", "reviewedBy"}
	legacyOfficialDepartment = []string{"officialDepartment", "official.department", "department"}
	legacyOfficialPosition   = []string{"officialPosition", "official.position", "position"}
)

func (m *ActionMetadata) UnmarshalJSON(data []byte) error {
	type plain ActionMetadata
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		// a non-object "official" key is legacy shape; the remaining fields
		// are still decoded
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return err
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if decoded.Official.Name == "" {
		decoded.Official.Name = firstLegacyString(raw, legacyOfficialName)
	}
	if decoded.Official.Department == "" {
		decoded.Official.Department = firstLegacyString(raw, legacyOfficialDepartment)
	}
	if decoded.Official.Position == "" {
		decoded.Official.Position = firstLegacyString(raw, legacyOfficialPosition)
	}

	*m = ActionMetadata(decoded)
	return nil
}

// Value implements driver.Valuer so metadata can be passed straight to a
// jsonb parameter.
func (m ActionMetadata) Value() (driver.Value, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal action metadata: %w", err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (m *ActionMetadata) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		*m = ActionMetadata{}
		return nil
	case []byte:
		return json.Unmarshal(value, m)
	case string:
		return json.Unmarshal([]byte(value), m)
	default:
		return fmt.Errorf("scan action metadata: unsupported type %T", src)
	}
}

func firstLegacyString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if value := stringAt(raw, key); value != "" {
			return value
		}
	}
	return ""
}

// stringAt resolves a dotted path to a trimmed string, or "".
func stringAt(raw map[string]any, path string) string {
	var current any = raw
	for _, part := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = object[part]
	}
	value, ok := current.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
