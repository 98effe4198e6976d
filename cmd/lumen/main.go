// The lumen command provides tooling around the emulator's memory
// subsystem, currently a synthetic stress workload with monitoring and
// event recording.
package main

func main() {
	Execute()
}
