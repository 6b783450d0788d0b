// auditspoold delivers spooled audit records to the configured collectors.
package main

func main() {
	Execute()
}
