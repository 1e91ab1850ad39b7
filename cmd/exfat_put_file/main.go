package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"path"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/dsoprea/go-exfat-rw"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	LocalFilepath      string `short:"l" long:"local-filepath" description:"Local file to copy in ('-' for STDIN)" required:"true"`
	TargetFilepath     string `short:"t" long:"target-filepath" description:"Destination path inside the filesystem (use forward slashes)" required:"true"`
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

	var local io.Reader

	if rootArguments.LocalFilepath == "-" {
		local = os.Stdin
	} else {
		g, err := os.Open(rootArguments.LocalFilepath)
		log.PanicIf(err)

		defer g.Close()

		local = g
	}

	fs := afero.NewOsFs()

	f, err := fs.OpenFile(rootArguments.FilesystemFilepath, os.O_RDWR, 0)
	log.PanicIf(err)

	defer f.Close()

	vol, err := exfat.Mount(exfat.NewFileDevice(f), exfat.MountOptions{})
	log.PanicIf(err)

	parentPath, filename := path.Split(rootArguments.TargetFilepath)

	n, err := vol.OpenPath(parentPath)
	log.PanicIf(err)

	dir, ok := n.(*exfat.Directory)
	if ok != true {
		fmt.Printf("Parent path is not a directory.\n")
		os.Exit(2)
	}

	_, err = dir.Create(filename, exfat.KindFile)
	if err != nil && errors.Is(err, exfat.ErrAlreadyExists) == false {
		log.PanicIf(err)
	}

	file, err := dir.OpenFile(filename)
	log.PanicIf(err)

	err = file.Truncate(0)
	log.PanicIf(err)

	written, err := io.Copy(file, local)
	log.PanicIf(err)

	err = file.Close()
	log.PanicIf(err)

	err = dir.Close()
	log.PanicIf(err)

	err = vol.Unmount()
	log.PanicIf(err)

	fmt.Printf("(%d) bytes written.\n", written)
}
