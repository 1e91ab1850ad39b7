package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/dsoprea/go-exfat-rw"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
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

	f, err := fs.Open(rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	vol, err := exfat.Mount(exfat.NewFileDevice(f), exfat.MountOptions{ReadOnly: true})
	log.PanicIf(err)

	vol.BootSectorHeader().Dump()
}
