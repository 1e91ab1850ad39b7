package main

import (
	"fmt"
	"os"

	"path/filepath"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/dsoprea/go-exfat-rw"
)

type rootParameters struct {
	Filepath       string `short:"f" long:"filepath" description:"File-path of exFAT filesystem" required:"true"`
	FilenameFilter string `short:"p" long:"pattern" description:"Filename filter"`
	ShowDetail     bool   `short:"d" long:"detail" description:"Show additional entry detail"`
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

	err = vol.Visit(func(pathParts []string, entry *exfat.Entry) (err error) {
		if rootArguments.FilenameFilter != "" {
			isMatched, err := filepath.Match(rootArguments.FilenameFilter, entry.Name())
			log.PanicIf(err)

			if isMatched != true {
				return nil
			}
		}

		entryPath := strings.Join(pathParts, exfat.PathSeparator)

		if rootArguments.ShowDetail == true {
			fmt.Printf("## %s\n", entryPath)
			fmt.Printf("\n")

			entry.Dump()
		} else {
			fmt.Printf("%15s %30s %s\n", humanize.Comma(int64(entry.Size())), entry.Modified(), entryPath)
		}

		return nil
	})

	log.PanicIf(err)
}
