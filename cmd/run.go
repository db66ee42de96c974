package cmd

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/sergev/floppy-emu/config"
	"github.com/sergev/floppy-emu/floppy"
	"github.com/sergev/floppy-emu/gwlink"
	"github.com/sergev/floppy-emu/image"
	"github.com/sergev/floppy-emu/images"
	"github.com/sergev/floppy-emu/systick"
)

var (
	runPort    string
	runBlank   bool
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run [IMAGE]",
	Short: "Run the emulated drive",
	Long: "Run the emulated drive with the given disk image mounted and serve it\n" +
		"on a serial port. IMAGE is an image name from the configuration or a\n" +
		"path to an IMG, IMA or HFE file.",
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if runVerbose {
			log.SetLevel(log.DebugLevel)
		}

		// Resolve the image file.
		var path string
		switch {
		case runBlank:
			path = "blank720.img"
			if len(args) > 0 {
				path = args[0]
			}
			if err := images.WriteBlank720(path); err != nil {
				cobra.CheckErr(err)
			}
			fmt.Printf("Created blank image %s\n", path)
		case len(args) > 0:
			path = args[0]
			if _, err := os.Stat(path); err != nil {
				// Not a file: try the configured image names.
				named, nerr := config.GetImageFilename(path)
				if nerr != nil {
					cobra.CheckErr(fmt.Errorf("image %q is neither a file nor a configured image", path))
				}
				path = named
			}
		default:
			if len(config.Images) == 0 {
				cobra.CheckErr(fmt.Errorf("no image given and none configured"))
			}
			named, err := config.GetImageFilename(config.Images[0])
			cobra.CheckErr(err)
			path = named
		}

		codec, err := image.New(path)
		cobra.CheckErr(err)

		// Bring up the drive and mount the image.
		clk := systick.NewWallClock()
		core := floppy.New(clk, floppy.Params{
			SettleMs: config.SettleMs,
		})
		core.Insert(codec)
		defer core.Cancel()

		// Foreground loop.
		go func() {
			for {
				core.Poll()
				time.Sleep(500 * time.Microsecond)
			}
		}()

		if runPort == "" {
			// No host link: spin the drive on its own.
			fmt.Printf("Drive %s: %s mounted, no serial port given\n", config.DriveName, path)
			select {}
		}

		fmt.Printf("Drive %s: %s mounted, serving on %s\n", config.DriveName, path, runPort)

		// Serve the host link.
		port, err := serial.Open(runPort, &serial.Mode{BaudRate: 9600})
		cobra.CheckErr(err)
		defer port.Close()

		srv := gwlink.NewServer(core, clk, port)
		cobra.CheckErr(srv.Serve())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runPort, "port", "p", "", "serial port to serve the host link on")
	runCmd.Flags().BoolVar(&runBlank, "blank", false, "create and mount a fresh blank 720K image")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}
