// Entrypoint for the raceboard-eta server: a Cobra CLI wrapping the engine
// facade with serve/rebuild/status subcommands.
package main

func main() {
	Execute()
}
