package common

// PackageName is the metrics namespace and default log service tag.
var PackageName = "did-credential-ledger"

// Version is set at build time via -ldflags "-X ...common.Version=v1.2.3".
var Version = "dev"
