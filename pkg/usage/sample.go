package usage

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// SchemaVersion identifies the wire layout of a persisted history document.
type SchemaVersion string

// Every layout ever written to disk. Older versions stay parseable forever;
// new ones are added here and in ParseSample.
const (
	SchemaV1_0 SchemaVersion = "1.0"
	SchemaV1_1 SchemaVersion = "1.1"
	SchemaV2_0 SchemaVersion = "2.0"
	SchemaV3_0 SchemaVersion = "3.0"

	CurrentSchema = SchemaV3_0
)

// SchemaVersions lists the supported versions, oldest first.
var SchemaVersions = []SchemaVersion{SchemaV1_0, SchemaV1_1, SchemaV2_0, SchemaV3_0}

// ParseSchemaVersion validates a version tag read from disk.
func ParseSchemaVersion(tag string) (SchemaVersion, error) {
	for _, v := range SchemaVersions {
		if string(v) == tag {
			return v, nil
		}
	}
	return "", &SchemaError{Version: tag, Reason: "unknown version"}
}

// MaxPlatformLength is the widest platform string the report backend
// accepts.
const MaxPlatformLength = 50

// Extensions records optional product extensions in use on the site.
type Extensions struct {
	NTop bool
}

// Sample is one daily measurement of monitored entity counts plus the
// environment it was taken in. Samples are values; copy them freely but do
// not mutate them after construction.
type Sample struct {
	// InstanceID is uuid.Nil for samples from legacy documents that never
	// recorded one.
	InstanceID uuid.UUID
	// SiteHash is a one-way hash of the site identifier.
	SiteHash   string
	Version    string
	Edition    string
	Platform   string
	IsCMA      bool
	SampleTime int64
	Timezone   string

	NumHosts         int64
	NumHostsCloud    int64
	NumHostsShadow   int64
	NumHostsExcluded int64

	NumServices         int64
	NumServicesCloud    int64
	NumServicesShadow   int64
	NumServicesExcluded int64

	NumSyntheticTests         int64
	NumSyntheticTestsExcluded int64
	NumSyntheticKPIs          int64
	NumSyntheticKPIsExcluded  int64

	Extensions Extensions
}

// Time returns SampleTime as a UTC time.
func (s Sample) Time() time.Time {
	return time.Unix(s.SampleTime, 0).UTC()
}

// Counts holds the results of the backend count queries a sample is built
// from.
type Counts struct {
	Hosts         int64
	HostsCloud    int64
	HostsShadow   int64
	HostsExcluded int64

	Services         int64
	ServicesCloud    int64
	ServicesShadow   int64
	ServicesExcluded int64

	SyntheticTests         int64
	SyntheticTestsExcluded int64
	SyntheticKPIs          int64
	SyntheticKPIsExcluded  int64
}

// ParseSample decodes one history entry written with the given schema
// version.
func ParseSample(version SchemaVersion, raw []byte) (Sample, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return Sample{}, &SchemaError{Version: string(version), Reason: "sample is not a JSON object"}
	}
	r := &fieldReader{version: version, raw: raw}

	var s Sample
	switch version {
	case SchemaV1_0:
		s = parseSampleV1_0(r)
	case SchemaV1_1:
		s = parseSampleV1_1(r)
	case SchemaV2_0:
		s = parseSampleV2_0(r)
	case SchemaV3_0:
		s = parseSampleV3_0(r)
	default:
		return Sample{}, &SchemaError{Version: string(version), Reason: "unknown version"}
	}
	if r.err != nil {
		return Sample{}, r.err
	}
	if s.SiteHash == "" {
		return Sample{}, &SchemaError{Version: string(version), Key: "site_hash", Reason: "empty"}
	}
	s.Platform = truncate(s.Platform, MaxPlatformLength)
	return s, nil
}

func parseCommon(r *fieldReader) Sample {
	return Sample{
		SiteHash:            r.String("site_hash"),
		Version:             r.String("version"),
		Edition:             r.String("edition"),
		Platform:            r.String("platform"),
		IsCMA:               r.Bool("is_cma"),
		SampleTime:          r.Int("sample_time"),
		Timezone:            r.String("timezone"),
		NumHosts:            r.Int("num_hosts"),
		NumHostsExcluded:    r.Int("num_hosts_excluded"),
		NumServices:         r.Int("num_services"),
		NumServicesExcluded: r.Int("num_services_excluded"),
	}
}

// 1.0 predates shadow, cloud and synthetic counts; they default to 0.
func parseSampleV1_0(r *fieldReader) Sample {
	s := parseCommon(r)
	s.Extensions = Extensions{NTop: r.OptionalBool("extensions.ntop")}
	return s
}

func parseSampleV1_1(r *fieldReader) Sample {
	s := parseSampleV1_0(r)
	s.NumHostsShadow = r.Int("num_hosts_shadow")
	s.NumServicesShadow = r.Int("num_services_shadow")
	return s
}

func parseSampleV2_0(r *fieldReader) Sample {
	s := parseSampleV1_1(r)
	s.NumHostsCloud = r.Int("num_hosts_cloud")
	s.NumServicesCloud = r.Int("num_services_cloud")
	if r.Has("instance_id") {
		s.InstanceID = r.UUID("instance_id")
	}
	return s
}

func parseSampleV3_0(r *fieldReader) Sample {
	s := parseCommon(r)
	s.InstanceID = r.UUID("instance_id")
	s.NumHostsShadow = r.Int("num_hosts_shadow")
	s.NumServicesShadow = r.Int("num_services_shadow")
	s.NumHostsCloud = r.Int("num_hosts_cloud")
	s.NumServicesCloud = r.Int("num_services_cloud")
	s.NumSyntheticTests = r.Int("num_synthetic_tests")
	s.NumSyntheticTestsExcluded = r.Int("num_synthetic_tests_excluded")
	s.NumSyntheticKPIs = r.Int("num_synthetic_kpis")
	s.NumSyntheticKPIsExcluded = r.Int("num_synthetic_kpis_excluded")
	s.Extensions = Extensions{NTop: r.Bool("extension_ntop")}
	return s
}

// ForReport encodes the sample in the current schema version. It is the
// exact inverse of ParseSample(CurrentSchema, ...).
func (s Sample) ForReport() map[string]any {
	return map[string]any{
		"instance_id":                  s.InstanceID.String(),
		"site_hash":                    s.SiteHash,
		"version":                      s.Version,
		"edition":                      s.Edition,
		"platform":                     s.Platform,
		"is_cma":                       s.IsCMA,
		"sample_time":                  s.SampleTime,
		"timezone":                     s.Timezone,
		"num_hosts":                    s.NumHosts,
		"num_hosts_cloud":              s.NumHostsCloud,
		"num_hosts_shadow":             s.NumHostsShadow,
		"num_hosts_excluded":           s.NumHostsExcluded,
		"num_services":                 s.NumServices,
		"num_services_cloud":           s.NumServicesCloud,
		"num_services_shadow":          s.NumServicesShadow,
		"num_services_excluded":        s.NumServicesExcluded,
		"num_synthetic_tests":          s.NumSyntheticTests,
		"num_synthetic_tests_excluded": s.NumSyntheticTestsExcluded,
		"num_synthetic_kpis":           s.NumSyntheticKPIs,
		"num_synthetic_kpis_excluded":  s.NumSyntheticKPIsExcluded,
		"extension_ntop":               s.Extensions.NTop,
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// fieldReader pulls typed fields out of a raw sample and remembers the
// first failure, so parsers can read fields unconditionally and check once.
type fieldReader struct {
	version SchemaVersion
	raw     []byte
	err     error
}

func (r *fieldReader) fail(key, reason string) {
	if r.err == nil {
		r.err = &SchemaError{Version: string(r.version), Key: key, Reason: reason}
	}
}

func (r *fieldReader) Has(key string) bool {
	res := gjson.GetBytes(r.raw, key)
	return res.Exists() && res.Type != gjson.Null
}

func (r *fieldReader) get(key string, want ...gjson.Type) (gjson.Result, bool) {
	if r.err != nil {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(r.raw, key)
	if !res.Exists() || res.Type == gjson.Null {
		r.fail(key, "missing")
		return res, false
	}
	for _, t := range want {
		if res.Type == t {
			return res, true
		}
	}
	r.fail(key, "unexpected type "+res.Type.String())
	return res, false
}

func (r *fieldReader) String(key string) string {
	res, ok := r.get(key, gjson.String)
	if !ok {
		return ""
	}
	return res.Str
}

func (r *fieldReader) Int(key string) int64 {
	res, ok := r.get(key, gjson.Number)
	if !ok {
		return 0
	}
	return res.Int()
}

func (r *fieldReader) Bool(key string) bool {
	res, ok := r.get(key, gjson.True, gjson.False)
	if !ok {
		return false
	}
	return res.Bool()
}

func (r *fieldReader) OptionalBool(key string) bool {
	if !r.Has(key) {
		return false
	}
	return r.Bool(key)
}

func (r *fieldReader) UUID(key string) uuid.UUID {
	raw := r.String(key)
	if r.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		r.fail(key, "malformed: "+err.Error())
		return uuid.Nil
	}
	if id == uuid.Nil {
		r.fail(key, "nil uuid")
	}
	return id
}
