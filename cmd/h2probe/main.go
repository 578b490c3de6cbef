// Command h2probe dials a host over HTTP/2, submits one or more requests
// through pkg/h2conn, and prints what comes back — exercising the whole
// connection engine end to end.
package main

func main() {
	Execute()
}
