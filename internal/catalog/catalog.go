// Package catalog holds the static mapping from logical FHIR resource types to
// their physical storage shape, plus the per-type search parameter registry.
// The shape follows the HAPI JPA layout: an identity table joined to a JSONB
// payload table, with auxiliary indexed-attribute tables maintained out of band.
package catalog

import (
	"fmt"
	"strings"

	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// Shape describes the physical tables backing every resource type.
type Shape struct {
	ResourceTable string
	PayloadTable  string
	IDColumn      string
	TypeColumn    string
	DeletedColumn string
	VersionColumn string
	PayloadColumn string
	// AuxiliaryTables are re-analyzed after a materialized view refresh.
	AuxiliaryTables []string
}

// DefaultShape is the storage shape of the clinical data repository.
var DefaultShape = Shape{
	ResourceTable:   "hfj_resource",
	PayloadTable:    "hfj_res_ver",
	IDColumn:        "res_id",
	TypeColumn:      "res_type",
	DeletedColumn:   "res_deleted_at",
	VersionColumn:   "res_ver",
	PayloadColumn:   "res_text_vc",
	AuxiliaryTables: []string{"hfj_spidx_token", "hfj_spidx_string", "hfj_spidx_date"},
}

// SearchParamType mirrors the FHIR search parameter types the engine supports.
type SearchParamType string

const (
	ParamToken  SearchParamType = "token"
	ParamString SearchParamType = "string"
	ParamDate   SearchParamType = "date"
)

// SearchParam maps a caller-facing constraint name to a document path.
// Coding parameters point at a coding array and accept system|code values.
type SearchParam struct {
	Name   string
	Type   SearchParamType
	Path   string
	Coding bool
}

// ResourceType is one entry of the catalog.
type ResourceType struct {
	Name         string
	SearchParams map[string]SearchParam
}

var resourceTypes = map[string]ResourceType{
	"Patient": {
		Name: "Patient",
		SearchParams: map[string]SearchParam{
			"gender":    {Name: "gender", Type: ParamToken, Path: "gender"},
			"name":      {Name: "name", Type: ParamString, Path: "name[0].family"},
			"family":    {Name: "family", Type: ParamString, Path: "name[0].family"},
			"birthdate": {Name: "birthdate", Type: ParamDate, Path: "birthDate"},
			"active":    {Name: "active", Type: ParamToken, Path: "active"},
		},
	},
	"Observation": {
		Name: "Observation",
		SearchParams: map[string]SearchParam{
			"code":    {Name: "code", Type: ParamToken, Path: "code.coding", Coding: true},
			"status":  {Name: "status", Type: ParamToken, Path: "status"},
			"date":    {Name: "date", Type: ParamDate, Path: "effectiveDateTime"},
			"patient": {Name: "patient", Type: ParamToken, Path: "subject.reference"},
		},
	},
	"Condition": {
		Name: "Condition",
		SearchParams: map[string]SearchParam{
			"code":            {Name: "code", Type: ParamToken, Path: "code.coding", Coding: true},
			"clinical-status": {Name: "clinical-status", Type: ParamToken, Path: "clinicalStatus.coding", Coding: true},
			"onset-date":      {Name: "onset-date", Type: ParamDate, Path: "onsetDateTime"},
			"recorded-date":   {Name: "recorded-date", Type: ParamDate, Path: "recordedDate"},
			"patient":         {Name: "patient", Type: ParamToken, Path: "subject.reference"},
		},
	},
	"Encounter": {
		Name: "Encounter",
		SearchParams: map[string]SearchParam{
			"status":  {Name: "status", Type: ParamToken, Path: "status"},
			"date":    {Name: "date", Type: ParamDate, Path: "period.start"},
			"patient": {Name: "patient", Type: ParamToken, Path: "subject.reference"},
		},
	},
	"MedicationRequest": {
		Name: "MedicationRequest",
		SearchParams: map[string]SearchParam{
			"status":     {Name: "status", Type: ParamToken, Path: "status"},
			"authoredon": {Name: "authoredon", Type: ParamDate, Path: "authoredOn"},
			"patient":    {Name: "patient", Type: ParamToken, Path: "subject.reference"},
		},
	},
}

// Lookup returns the catalog entry for a resource type.
func Lookup(resourceType string) (ResourceType, error) {
	rt, ok := resourceTypes[resourceType]
	if !ok {
		return ResourceType{}, &datamodel.CompileError{Detail: fmt.Sprintf("unknown resource type %q", resourceType)}
	}
	return rt, nil
}

// LookupSearchParam resolves one constraint name for a resource type.
func LookupSearchParam(resourceType, name string) (SearchParam, error) {
	rt, err := Lookup(resourceType)
	if err != nil {
		return SearchParam{}, err
	}
	sp, ok := rt.SearchParams[name]
	if !ok {
		return SearchParam{}, &datamodel.CompileError{
			Detail: fmt.Sprintf("unknown search parameter %q for resource type %s", name, resourceType),
		}
	}
	return sp, nil
}

// MaterializedViewName derives the physical name of the materialized view that
// backs a view definition, e.g. "PatientDemographics" -> "sv_patient_demographics".
func MaterializedViewName(viewName string) string {
	var b strings.Builder
	b.WriteString("sv_")
	for i, r := range viewName {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
