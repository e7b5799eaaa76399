// Command meshpeer joins a meshcall room as a headless participant. It sends
// the tracks it is told to, receives everyone else's, and relays chat lines
// between stdin and the room.
package main

func main() {
	Execute()
}
