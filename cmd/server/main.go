package main

import (
	"log"

	"github.com/spf13/cobra"

	"mindmeld/internal/server"
)

func main() {
	log.SetFlags(0)
	cobra.CheckErr(server.NewCmd().Execute())
}
