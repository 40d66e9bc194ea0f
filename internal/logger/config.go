package logger

// Output encodings.
const (
	EncodingJSON    = "json"
	EncodingConsole = "console"
)

// DefaultLevel is used when Config.Level is empty.
const DefaultLevel = "info"

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error, fatal.
	Level string `env:"LOG_LEVEL" yaml:"level"`
	// Encoding is json or console.
	Encoding    string   `env:"LOG_ENCODING" yaml:"encoding"`
	Development bool     `env:"LOG_DEVELOPMENT" yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = DefaultLevel
	}
	if c.Encoding != EncodingConsole {
		c.Encoding = EncodingJSON
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
}
