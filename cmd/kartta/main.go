// Kartta - Tenant Discovery Engine
// Enumerate. Infer. Persist.
package main

func main() {
	Execute()
}
