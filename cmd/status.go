package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/sergev/floppy-emu/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured drive and available serial ports",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Drive: %s\n", config.DriveName)
		fmt.Printf("Geometry: %d cylinders, %d heads\n", config.Cyls, config.Heads)
		fmt.Printf("Rotation Speed: %d RPM\n", config.RPM)
		fmt.Printf("Data Rate: up to %d kbps\n", config.MaxKBps)
		fmt.Printf("Head Settle: %d ms\n", config.SettleMs)
		fmt.Printf("Images:\n")
		for _, name := range config.Images {
			file, err := config.GetImageFilename(name)
			if err != nil {
				continue
			}
			fmt.Printf("  %s: %s\n", name, file)
		}

		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			fmt.Printf("Serial Ports: unavailable (%v)\n", err)
			return
		}
		fmt.Printf("Serial Ports:\n")
		if len(ports) == 0 {
			fmt.Printf("  none\n")
		}
		for _, port := range ports {
			if port.IsUSB {
				fmt.Printf("  %s (USB %s:%s)\n", port.Name, port.VID, port.PID)
			} else {
				fmt.Printf("  %s\n", port.Name)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
