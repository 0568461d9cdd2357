// Ganymede is a credential-pooling reverse proxy. It fronts a pool of
// OAuth-backed upstream accounts behind one stable HTTP endpoint and picks
// the serving credential per request, with session affinity, an operator
// command surface, and usage accounting.
//
// Usage:
//
//	# Start with default configuration
//	ganymede run
//
//	# Start with a custom configuration file
//	ganymede run --config /etc/ganymede/config.yaml
//
//	# Show version information
//	ganymede version
package main

func main() {
	Execute()
}
