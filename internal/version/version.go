package version

// Version is the current version of the space-shooter client and relay.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/CadiZhang/space-shooter/internal/version.Version=v1.0.0'"
var Version = "dev"
