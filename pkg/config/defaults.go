package config

// Logging defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Telemetry defaults.
const (
	DefaultOTLPEndpoint    = ""
	DefaultOTLPInsecure    = false
	DefaultSampleRatio     = 0.0
	DefaultMetricsTextfile = ""
)

// Resolver defaults.
var DefaultExtensions = []string{".css", ".less"}

// Output defaults.
const (
	DefaultPublicURL = ""
	DefaultMinify    = false
	DefaultStrict    = true
	DefaultCacheDir  = ""
)
