// Command groupsync is a terminal client for a group challenge chat: it
// follows a group's feed and leaderboard live and can post, delete and list.
package main

func main() {
	Execute()
}
