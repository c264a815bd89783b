// Command claudia is the local dev control plane binary: it runs the
// gateway, the librarian worker, or a supervisor that keeps both alive,
// depending on the subcommand invoked.
package main

func main() {
	Execute()
}
