package execution

import "time"

// Defaults applied by DefaultOptions
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryDelay    = time.Second
	DefaultMaxOutputSize = 1024 * 1024
)

// Options configures how a command is scheduled and run. It is fully
// specified before enqueue and never mutated afterwards.
type Options struct {
	Timeout          time.Duration
	Priority         Priority
	RetryCount       int
	RetryDelay       time.Duration
	CaptureOutput    bool
	StreamOutput     bool
	WorkingDirectory string
	Environment      map[string]string
	OutputFormat     OutputFormat
	MaxOutputSize    int
}

// DefaultOptions returns the options used when a caller supplies none
func DefaultOptions() Options {
	return Options{
		Timeout:       DefaultTimeout,
		Priority:      PriorityNormal,
		RetryDelay:    DefaultRetryDelay,
		CaptureOutput: true,
		OutputFormat:  FormatRaw,
		MaxOutputSize: DefaultMaxOutputSize,
	}
}

// Validate rejects options that cannot be scheduled
func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return Validationf("timeout must be positive, got %s", o.Timeout)
	}
	if o.RetryCount < 0 {
		return Validationf("retry count must not be negative, got %d", o.RetryCount)
	}
	if o.RetryDelay < 0 {
		return Validationf("retry delay must not be negative, got %s", o.RetryDelay)
	}
	if !o.Priority.Valid() {
		return Validationf("unknown priority %d", int(o.Priority))
	}
	if o.MaxOutputSize < 0 {
		return Validationf("max output size must not be negative, got %d", o.MaxOutputSize)
	}
	switch o.OutputFormat {
	case "", FormatRaw, FormatJSON, FormatStructured, FormatFiltered:
	default:
		return Validationf("unknown output format %q", o.OutputFormat)
	}
	return nil
}

// Clone returns a copy that shares no maps with o
func (o Options) Clone() Options {
	if o.Environment != nil {
		env := make(map[string]string, len(o.Environment))
		for k, v := range o.Environment {
			env[k] = v
		}
		o.Environment = env
	}
	return o
}

// Map flattens the options for JSON payloads and history snapshots
func (o Options) Map() map[string]any {
	return map[string]any{
		"timeout":           o.Timeout.Seconds(),
		"priority":          o.Priority.String(),
		"retry_count":       o.RetryCount,
		"retry_delay":       o.RetryDelay.Seconds(),
		"capture_output":    o.CaptureOutput,
		"stream_output":     o.StreamOutput,
		"working_directory": o.WorkingDirectory,
		"environment":       o.Environment,
		"output_format":     string(o.OutputFormat),
		"max_output_size":   o.MaxOutputSize,
	}
}
