package observability

// Version is the build version, overridden via -ldflags at release time.
var Version = "dev"
