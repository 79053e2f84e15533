// Package cli is responsible for parsing command-line arguments, validating
// user input, and mapping run outcomes to process exit codes. It translates
// CLI flags into the application's configuration.
package cli
