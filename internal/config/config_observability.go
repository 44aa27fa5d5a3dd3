package config

// LoggingConfig controls the slog default handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint leaves
// the no-op tracer installed.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}
