// Package people implements the people/CRM domain service spec.md §4.4
// describes: Person, Household, Ministry assignments, and Attendance events,
// plus module-scoped custom fields. Custom-field definitions live in a
// dedicated registry memory per module (type=list, name=custom_fields_<module>,
// spec.md §3 "Registry"); writes validate values against the definition
// (type, required, enum, min/max, regex) and store them keyed
// "<module>.<fieldKey>" on the owning entity to keep namespaces disjoint.
// Targets the "personal" module by default — spec.md §4.4 names no specific
// module, and household/ministry/attendance tracking reads as personal-life
// content (see DESIGN.md).
package people

import (
	"fmt"
	"regexp"
	"time"

	"context"

	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/service/writepipeline"
	"github.com/google/uuid"
)

// DefaultModuleID is the module Person/Household/Ministry/Attendance
// entities and their custom-field registries are stored under.
const DefaultModuleID = "personal"

// FieldType constrains the value kinds a custom field accepts.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
)

// FieldDef is one custom-field definition held in a module's registry memory.
type FieldDef struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"` // valid values when Type == FieldEnum
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Pattern  string    `json:"pattern,omitempty"` // regex, when Type == FieldString
}

// Person is the typed projection of a type=person memory.
type Person struct {
	ID           uuid.UUID              `json:"id"`
	Name         string                 `json:"name"`
	Email        string                 `json:"email,omitempty"`
	Phone        string                 `json:"phone,omitempty"`
	HouseholdID  *uuid.UUID             `json:"householdId,omitempty"`
	CustomFields map[string]interface{} `json:"customFields,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Household is the typed projection of a type=household memory.
type Household struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ministry is the typed projection of a type=ministry memory.
type Ministry struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attendance is the typed projection of a type=attendance memory.
type Attendance struct {
	ID         uuid.UUID `json:"id"`
	PersonID   uuid.UUID `json:"personId"`
	EventName  string    `json:"eventName"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Service is the people/CRM domain service.
type Service struct {
	pipeline *writepipeline.Pipeline
	cmi      *cmi.Service
	moduleID string
}

// NewService builds a people/CRM domain service over moduleID.
func NewService(pipeline *writepipeline.Pipeline, cmiSvc *cmi.Service, moduleID string) *Service {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	return &Service{pipeline: pipeline, cmi: cmiSvc, moduleID: moduleID}
}

func (s *Service) store() (registrymodule.Store, error) {
	store := s.cmi.Store(s.moduleID)
	if store == nil {
		return nil, apperr.NewInvalid("moduleId", "unknown module: "+s.moduleID)
	}
	return store, nil
}

// --- custom fields -------------------------------------------------------

func registryName(moduleID string) string { return "custom_fields_" + moduleID }

// DefineCustomField adds a new field definition to this module's custom-field
// registry memory, creating the registry lazily on first use (spec.md §3
// "Registries are created lazily on first use"). Re-defining an existing
// field key is a Conflict (spec.md §7); use UpdateCustomField to change one
// in place.
func (s *Service) DefineCustomField(ctx context.Context, tenantID string, def FieldDef) error {
	return s.upsertCustomField(ctx, tenantID, def, false)
}

// UpdateCustomField replaces the definition of an already-registered field
// key. It fails with NotFound if the key has not been defined yet.
func (s *Service) UpdateCustomField(ctx context.Context, tenantID string, def FieldDef) error {
	return s.upsertCustomField(ctx, tenantID, def, true)
}

func (s *Service) upsertCustomField(ctx context.Context, tenantID string, def FieldDef, update bool) error {
	store, err := s.store()
	if err != nil {
		return err
	}

	items, err := store.SearchByMetadata(ctx, tenantID, map[string]interface{}{
		"type": "list", "name": registryName(s.moduleID),
	}, 1, 0)
	if err != nil {
		return apperr.Of(apperr.StoreUnavailable, s.moduleID, "load custom field registry", err)
	}

	defs := []FieldDef{}
	var existingID *uuid.UUID
	if len(items) > 0 {
		existingID = &items[0].ID
		defs = parseFieldDefs(items[0].Metadata["fields"])
	}

	found := false
	for i, d := range defs {
		if d.Key == def.Key {
			if !update {
				return apperr.NewConflict("custom field " + def.Key + " is already defined")
			}
			defs[i] = def
			found = true
			break
		}
	}
	if !found {
		if update {
			return apperr.NewNotFound("custom field", def.Key)
		}
		defs = append(defs, def)
	}

	metadata := map[string]interface{}{
		"type":   "list",
		"name":   registryName(s.moduleID),
		"fields": defs,
	}

	if existingID != nil {
		_, err := s.pipeline.Update(ctx, tenantID, s.moduleID, *existingID, nil, metadata)
		return err
	}
	_, err = s.pipeline.Store(ctx, tenantID, s.moduleID, "Custom field registry for "+s.moduleID, metadata)
	return err
}

// CustomFields returns every field definition registered for this module.
func (s *Service) CustomFields(ctx context.Context, tenantID string) ([]FieldDef, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	items, err := store.SearchByMetadata(ctx, tenantID, map[string]interface{}{
		"type": "list", "name": registryName(s.moduleID),
	}, 1, 0)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, s.moduleID, "load custom field registry", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return parseFieldDefs(items[0].Metadata["fields"]), nil
}

// validate checks value against def (type, required, enum, min/max, regex)
// and returns the namespaced "<module>.<fieldKey>" key to store it under.
func (s *Service) validate(defs []FieldDef, key string, value interface{}) (string, error) {
	var def *FieldDef
	for i := range defs {
		if defs[i].Key == key {
			def = &defs[i]
			break
		}
	}
	if def == nil {
		return s.moduleID + "." + key, nil // undeclared field: pass through unvalidated
	}
	if value == nil {
		if def.Required {
			return "", apperr.NewInvalid(key, "field is required")
		}
		return s.moduleID + "." + key, nil
	}

	switch def.Type {
	case FieldNumber:
		n, ok := toFloat(value)
		if !ok {
			return "", apperr.NewInvalid(key, "expected a number")
		}
		if def.Min != nil && n < *def.Min {
			return "", apperr.NewInvalid(key, fmt.Sprintf("must be >= %v", *def.Min))
		}
		if def.Max != nil && n > *def.Max {
			return "", apperr.NewInvalid(key, fmt.Sprintf("must be <= %v", *def.Max))
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return "", apperr.NewInvalid(key, "expected a boolean")
		}
	case FieldEnum:
		str, ok := value.(string)
		if !ok || !contains(def.Options, str) {
			return "", apperr.NewInvalid(key, "must be one of "+fmt.Sprint(def.Options))
		}
	default: // FieldString
		str, ok := value.(string)
		if !ok {
			return "", apperr.NewInvalid(key, "expected a string")
		}
		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err == nil && !re.MatchString(str) {
				return "", apperr.NewInvalid(key, "does not match required pattern")
			}
		}
	}
	return s.moduleID + "." + key, nil
}

// --- Person ---------------------------------------------------------------

// CreatePerson stores a new Person memory, validating any custom field
// values against this module's registered field definitions.
func (s *Service) CreatePerson(ctx context.Context, tenantID, name, email, phone string, customFields map[string]interface{}) (*Person, error) {
	defs, err := s.CustomFields(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{
		"type":       "person",
		"name":       name,
		"email":      email,
		"phone":      phone,
		"categories": []string{"person"},
	}
	for k, v := range customFields {
		namespaced, err := s.validate(defs, k, v)
		if err != nil {
			return nil, err
		}
		metadata[namespaced] = v
	}

	item, err := s.pipeline.Store(ctx, tenantID, s.moduleID, name, metadata)
	if err != nil {
		return nil, err
	}
	return s.personFromItem(item), nil
}

// GetPerson retrieves a Person by id.
func (s *Service) GetPerson(ctx context.Context, tenantID string, id uuid.UUID) (*Person, error) {
	item, err := s.pipeline.Get(ctx, tenantID, s.moduleID, id)
	if err != nil {
		return nil, err
	}
	if metaType(item) != "person" {
		return nil, apperr.NewNotFound("person", id.String())
	}
	return s.personFromItem(item), nil
}

// ListPeople returns every Person for the tenant.
func (s *Service) ListPeople(ctx context.Context, tenantID string, limit, offset int) ([]Person, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	items, err := store.SearchByMetadata(ctx, tenantID, map[string]interface{}{"type": "person"}, limit, offset)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, s.moduleID, "list people", err)
	}
	out := make([]Person, 0, len(items))
	for i := range items {
		out = append(out, *s.personFromItem(&items[i]))
	}
	return out, nil
}

// AssignHousehold records a Person's household membership as a CMI relationship.
func (s *Service) AssignHousehold(ctx context.Context, tenantID string, personID, householdID uuid.UUID) error {
	_, err := s.cmi.CreateRelationship(ctx, relationshipOf(tenantID, s.moduleID, personID, householdID, "member_of"))
	return err
}

// CreateHousehold stores a new Household memory.
func (s *Service) CreateHousehold(ctx context.Context, tenantID, name string) (*Household, error) {
	item, err := s.pipeline.Store(ctx, tenantID, s.moduleID, name, map[string]interface{}{
		"type": "household", "name": name, "categories": []string{"household"},
	})
	if err != nil {
		return nil, err
	}
	return &Household{ID: item.ID, Name: stringField(item.Metadata, "name"), CreatedAt: item.CreatedAt}, nil
}

// CreateMinistry stores a new Ministry memory.
func (s *Service) CreateMinistry(ctx context.Context, tenantID, name string) (*Ministry, error) {
	item, err := s.pipeline.Store(ctx, tenantID, s.moduleID, name, map[string]interface{}{
		"type": "ministry", "name": name, "categories": []string{"ministry"},
	})
	if err != nil {
		return nil, err
	}
	return &Ministry{ID: item.ID, Name: stringField(item.Metadata, "name"), CreatedAt: item.CreatedAt}, nil
}

// AssignMinistry records a Person's ministry assignment as a CMI relationship.
func (s *Service) AssignMinistry(ctx context.Context, tenantID string, personID, ministryID uuid.UUID) error {
	_, err := s.cmi.CreateRelationship(ctx, relationshipOf(tenantID, s.moduleID, personID, ministryID, "serves_in"))
	return err
}

// RecordAttendance stores a new Attendance memory for one person at one event.
func (s *Service) RecordAttendance(ctx context.Context, tenantID string, personID uuid.UUID, eventName string, occurredAt time.Time) (*Attendance, error) {
	content := fmt.Sprintf("%s attended %s", personID, eventName)
	item, err := s.pipeline.Store(ctx, tenantID, s.moduleID, content, map[string]interface{}{
		"type":       "attendance",
		"personId":   personID.String(),
		"eventName":  eventName,
		"occurredAt": occurredAt.Format(time.RFC3339),
		"categories": []string{"attendance"},
	})
	if err != nil {
		return nil, err
	}
	return attendanceFromItem(item), nil
}

// ListAttendance returns attendance records for one person.
func (s *Service) ListAttendance(ctx context.Context, tenantID string, personID uuid.UUID, limit, offset int) ([]Attendance, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	items, err := store.SearchByMetadata(ctx, tenantID, map[string]interface{}{
		"type": "attendance", "personId": personID.String(),
	}, limit, offset)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, s.moduleID, "list attendance", err)
	}
	out := make([]Attendance, 0, len(items))
	for i := range items {
		out = append(out, *attendanceFromItem(&items[i]))
	}
	return out, nil
}

func relationshipOf(tenantID, moduleID string, from, to uuid.UUID, kind string) registryvector.Relationship {
	return registryvector.Relationship{
		TenantID:     tenantID,
		FromModuleID: moduleID,
		FromMemoryID: from,
		ToModuleID:   moduleID,
		ToMemoryID:   to,
		Kind:         kind,
		Strength:     1,
	}
}

func metaType(item *registrymodule.MemoryItem) string {
	t, _ := item.Metadata["type"].(string)
	return t
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func (s *Service) personFromItem(item *registrymodule.MemoryItem) *Person {
	p := &Person{
		ID:        item.ID,
		Name:      stringField(item.Metadata, "name"),
		Email:     stringField(item.Metadata, "email"),
		Phone:     stringField(item.Metadata, "phone"),
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
	custom := map[string]interface{}{}
	prefix := s.moduleID + "."
	for k, v := range item.Metadata {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			custom[k[len(prefix):]] = v
		}
	}
	if len(custom) > 0 {
		p.CustomFields = custom
	}
	return p
}

func attendanceFromItem(item *registrymodule.MemoryItem) *Attendance {
	a := &Attendance{
		ID:        item.ID,
		EventName: stringField(item.Metadata, "eventName"),
	}
	if raw, ok := item.Metadata["personId"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			a.PersonID = id
		}
	}
	if raw, ok := item.Metadata["occurredAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			a.OccurredAt = t
		}
	}
	return a
}

func parseFieldDefs(raw interface{}) []FieldDef {
	switch v := raw.(type) {
	case []FieldDef:
		return v
	case []interface{}:
		out := make([]FieldDef, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			def := FieldDef{
				Key:      stringField(m, "key"),
				Type:     FieldType(stringField(m, "type")),
				Required: boolField(m, "required"),
				Pattern:  stringField(m, "pattern"),
			}
			if opts, ok := m["options"].([]interface{}); ok {
				for _, o := range opts {
					if s, ok := o.(string); ok {
						def.Options = append(def.Options, s)
					}
				}
			}
			if min, ok := toFloat(m["min"]); ok {
				def.Min = &min
			}
			if max, ok := toFloat(m["max"]); ok {
				def.Max = &max
			}
			out = append(out, def)
		}
		return out
	default:
		return nil
	}
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
