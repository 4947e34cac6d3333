package version

// Version is the current release version, overridden at build time via
// -ldflags "-X shieldscan/version.Version=...".
var Version = "0.4.0"
