// Command neredeyesem serves restaurant recommendations and drives the
// background refresh jobs. See the cmd package for subcommands.
package main

import "github.com/FeritTasdildiren/nerede-yesem/cmd"

func main() {
	cmd.Execute()
}
