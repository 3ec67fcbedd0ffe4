package observability

// Binary versioning for logs, HAR creator and metrics.
// Values are overwritten via -ldflags during build.
var (
	Name    = "HTTPCaptureBox"
	Version = "dev"
	Commit  = "none"
)
