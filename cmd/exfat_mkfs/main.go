package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/dsoprea/go-exfat-rw"
)

type rootParameters struct {
	Filepath    string `short:"f" long:"filepath" description:"File to format (created if missing)" required:"true"`
	SizeInBytes uint64 `short:"s" long:"size" description:"Image size in bytes; the file is resized to it, new or existing"`
	Label       string `short:"l" long:"label" description:"Volume label"`
	Serial      uint32 `short:"n" long:"serial" description:"Volume serial number"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	fs := afero.NewOsFs()

	f, err := fs.OpenFile(rootArguments.Filepath, os.O_RDWR|os.O_CREATE, 0o644)
	log.PanicIf(err)

	defer f.Close()

	if rootArguments.SizeInBytes > 0 {
		err = f.Truncate(int64(rootArguments.SizeInBytes))
		log.PanicIf(err)
	}

	dev := exfat.NewFileDevice(f)

	err = exfat.Format(dev, exfat.FormatOptions{
		Label:              rootArguments.Label,
		VolumeSerialNumber: rootArguments.Serial,
	})

	log.PanicIf(err)

	size, err := dev.Size()
	log.PanicIf(err)

	fmt.Printf("Formatted %s.\n", humanize.IBytes(uint64(size)))
}
