// Fairsight - AI decision governance core
// Record. Explain. Audit.
package main

func main() {
	Execute()
}
