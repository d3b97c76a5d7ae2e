package main

import "github.com/oshokin/kobo-updater/cmd/kobo-updater/cmd"

func main() {
	cmd.Execute()
}
