// Command magnetd dispatches magnet links to a torrent client.
package main

import "github.com/JakeFAU/magnet-dispatcher/cmd"

func main() {
	cmd.Execute()
}
