package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sergev/floppy-emu/config"
)

var rootCmd = &cobra.Command{
	Use:   "floppy-emu",
	Short: "A Shugart-interface floppy drive emulator",
	Long: "The floppy-emu tool emulates a Shugart-compatible floppy disk drive\n" +
		"backed by a disk-image file, serving the drive over a serial port\n" +
		"using the Greaseweazle wire protocol.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(config.Initialize())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
