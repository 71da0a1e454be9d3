// Command scriptrun runs the scripts declared in a package's manifest,
// tracking dependencies, caching unchanged work, and supervising
// long-running services.
package main

func main() {
	Execute()
}
