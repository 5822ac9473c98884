package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thang0611/server-sub000/internal/cli"
)

var rootCmd = &cobra.Command{Use: "serversub"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
