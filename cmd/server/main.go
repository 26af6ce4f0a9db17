// Command server runs the triage dispatcher.
package main

func main() {
	Execute()
}
