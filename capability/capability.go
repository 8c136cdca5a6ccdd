// Package capability defines the Capability Record, the unit of
// advertisement and discovery in the mesh. A provider publishes one Record
// per callable function; consumers cache Records in a discovery registry and
// resolve them to a callable destination at invocation time.
package capability

import (
	"time"
)

// Record describes one callable function advertised by a provider.
// FunctionID is immutable for the capability's lifetime; all other fields
// are last-write-wins on re-advertisement.
type Record struct {
	// FunctionID uniquely identifies the capability (UUID).
	FunctionID string `json:"function_id"`

	// Name is the human-readable function name.
	Name string `json:"name"`

	// Description is the human-readable function description.
	Description string `json:"description"`

	// ProviderID is the opaque identity of the publishing process.
	ProviderID string `json:"provider_id"`

	// ServiceName is the callable destination a consumer resolves to reach
	// the provider.
	ServiceName string `json:"service_name"`

	// ParameterSchema describes the accepted arguments.
	ParameterSchema Schema `json:"parameter_schema"`

	// Tags are used for coarse filtering.
	Tags []string `json:"capability_tags,omitempty"`

	// Freshness is the provider-side timestamp of the last advertisement.
	Freshness time.Time `json:"freshness_timestamp"`
}

// Validate checks the fields a Record must carry before it may be advertised.
func (r *Record) Validate() error {
	if r.FunctionID == "" {
		return ErrMissingFunctionID
	}
	if r.Name == "" {
		return ErrMissingName
	}
	if r.ServiceName == "" {
		return ErrMissingServiceName
	}
	if len(r.ParameterSchema) == 0 {
		return ErrEmptySchema
	}
	return r.ParameterSchema.ValidateSelf()
}

// Clone returns a deep copy of the record. Registries hand out clones so
// snapshot readers can never race with cache updates.
func (r *Record) Clone() Record {
	out := *r
	if r.Tags != nil {
		out.Tags = make([]string, len(r.Tags))
		copy(out.Tags, r.Tags)
	}
	if r.ParameterSchema != nil {
		out.ParameterSchema = r.ParameterSchema.Clone()
	}
	return out
}

// HasTag reports whether the record carries the given capability tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
