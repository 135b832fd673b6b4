package decoderpb

// Field names the decoder config may carry beyond the always-present
// sample rate and encoding.
const (
	FieldUseItn              = "use_itn"
	FieldUseDisfluencyFilter = "use_disfluency_filter"
	FieldUseProfanityFilter  = "use_profanity_filter"
	FieldUsePunctuation      = "use_punctuation"
	FieldKeywords            = "keywords"
	FieldModelName           = "model_name"
	FieldLanguage            = "language"
	FieldDomain              = "domain"
	FieldStreamConfig        = "stream_config"
	FieldEpdTime             = "epd_time"
	FieldMaxUtterDuration    = "max_utter_duration"
)

// Schema declares which optional config fields a decoder deployment
// accepts. It is resolved once per connection; fields the schema does
// not declare are dropped from the wire rather than rejected, since
// older decoders fail hard on unknown fields.
type Schema struct {
	fields map[string]struct{}
}

func newSchema(names ...string) Schema {
	fields := make(map[string]struct{}, len(names))
	for _, name := range names {
		fields[name] = struct{}{}
	}
	return Schema{fields: fields}
}

// Has reports whether the schema declares the named field.
func (s Schema) Has(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// DefaultSchema declares every field current decoder builds accept.
func DefaultSchema() Schema {
	return newSchema(
		FieldUseItn,
		FieldUseDisfluencyFilter,
		FieldUseProfanityFilter,
		FieldUsePunctuation,
		FieldKeywords,
		FieldModelName,
		FieldLanguage,
		FieldDomain,
		FieldStreamConfig,
		FieldEpdTime,
		FieldMaxUtterDuration,
	)
}

// LegacySchema matches first-generation decoders that only understand
// the recognition filters.
func LegacySchema() Schema {
	return newSchema(
		FieldUseItn,
		FieldUseDisfluencyFilter,
		FieldUseProfanityFilter,
	)
}
