// Command storecore runs the store backend core: the HTTP operational
// surface over the database pools, and the task queue worker.
package main

func main() {
	Execute()
}
