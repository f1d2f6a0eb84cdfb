package remote

import (
	"strconv"

	"github.com/gofhir/fhir/r4"
)

// NewParameters returns a Parameters resource holding params, in order.
func NewParameters(params ...r4.ParametersParameter) *r4.Parameters {
	return &r4.Parameters{ResourceType: "Parameters", Parameter: params}
}

// StringParam is a valueString parameter.
func StringParam(name, value string) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, ValueString: &value}
}

// CodeParam is a valueCode parameter.
func CodeParam(name, value string) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, ValueCode: &value}
}

// URIParam is a valueUri parameter.
func URIParam(name, value string) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, ValueUri: &value}
}

// BooleanParam is a valueBoolean parameter.
func BooleanParam(name string, value bool) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, ValueBoolean: &value}
}

// CodingParam is a valueCoding parameter. Empty fields are left out.
func CodingParam(name, system, code, display string) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, ValueCoding: &r4.Coding{
		System:  optional(system),
		Code:    optional(code),
		Display: optional(display),
	}}
}

// PartParam is a parameter made of parts.
func PartParam(name string, parts ...r4.ParametersParameter) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, Part: parts}
}

// ResourceParam is a parameter carrying a whole resource.
func ResourceParam(name string, res r4.Resource) r4.ParametersParameter {
	return r4.ParametersParameter{Name: &name, Resource: res}
}

// Get returns every parameter with the given name, in order.
func Get(params []r4.ParametersParameter, name string) []r4.ParametersParameter {
	var out []r4.ParametersParameter
	for _, prm := range params {
		if Name(prm) == name {
			out = append(out, prm)
		}
	}
	return out
}

// First returns the first parameter with the given name.
func First(params []r4.ParametersParameter, name string) (r4.ParametersParameter, bool) {
	for _, prm := range params {
		if Name(prm) == name {
			return prm, true
		}
	}
	return r4.ParametersParameter{}, false
}

// Value returns the primitive value of the first parameter with the given
// name, or "".
func Value(params []r4.ParametersParameter, name string) string {
	prm, ok := First(params, name)
	if !ok {
		return ""
	}
	v, _ := Primitive(prm)
	return v
}

// Name returns the parameter name.
func Name(prm r4.ParametersParameter) string {
	if prm.Name == nil {
		return ""
	}
	return *prm.Name
}

// Primitive returns the value of a primitive-typed parameter as a string.
func Primitive(prm r4.ParametersParameter) (string, bool) {
	for _, s := range []*string{
		prm.ValueString, prm.ValueCode, prm.ValueUri, prm.ValueCanonical,
		prm.ValueUrl, prm.ValueId, prm.ValueOid, prm.ValueUuid, prm.ValueMarkdown,
		prm.ValueDate, prm.ValueDateTime, prm.ValueInstant, prm.ValueTime,
	} {
		if s != nil {
			return *s, true
		}
	}
	switch {
	case prm.ValueBoolean != nil:
		return strconv.FormatBool(*prm.ValueBoolean), true
	case prm.ValueInteger != nil:
		return strconv.Itoa(*prm.ValueInteger), true
	case prm.ValuePositiveInt != nil:
		return strconv.FormatUint(uint64(*prm.ValuePositiveInt), 10), true
	case prm.ValueUnsignedInt != nil:
		return strconv.FormatUint(uint64(*prm.ValueUnsignedInt), 10), true
	}
	return "", false
}

// ResourceTypeOf returns the resourceType of a JSON resource, or "".
func ResourceTypeOf(data []byte) string {
	t, err := r4.GetResourceType(data)
	if err != nil {
		return ""
	}
	return t
}

// NewSearchBundle wraps resources in a searchset Bundle.
func NewSearchBundle(resources ...r4.Resource) *r4.Bundle {
	bundleType := r4.BundleTypeSearchset
	total := uint32(len(resources))
	b := &r4.Bundle{ResourceType: "Bundle", Type: &bundleType, Total: &total}
	for _, res := range resources {
		b.Entry = append(b.Entry, r4.BundleEntry{Resource: res})
	}
	return b
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
