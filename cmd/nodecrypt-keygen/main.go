package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nodecrypt/relay-go/internal/cmdutil"
	ncversion "github.com/nodecrypt/relay-go/internal/version"
	"github.com/nodecrypt/relay-go/relaykeystore"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Date        string `json:"date"`
	KeyFile     string `json:"key_file"`
	Fingerprint string `json:"fingerprint"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false
	outFile := cmdutil.EnvString("NODECRYPT_RELAY_KEY_FILE", "relay_identity.json")
	var overwrite bool

	fs := flag.NewFlagSet("nodecrypt-keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&outFile, "out", outFile, "output file for the generated relay identity (env: NODECRYPT_RELAY_KEY_FILE)")
	fs.BoolVar(&overwrite, "overwrite", false, "overwrite an existing identity file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, ncversion.String(version, commit, date))
		return 0
	}

	if err := cmdutil.RefuseOverwrite(outFile, overwrite); err != nil {
		fmt.Fprintln(stderr, err)
		if cmdutil.IsUsage(err) {
			return 2
		}
		return 1
	}
	if overwrite {
		if err := os.Remove(outFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	if dir := filepath.Dir(outFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	// A rotation interval far beyond any realistic process lifetime so
	// Open always treats a freshly written file as current rather than
	// immediately rotating it away.
	store, err := relaykeystore.Open(outFile, 100*365*24*time.Hour, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	id := store.Current()
	out, err := filepath.Abs(outFile)
	if err != nil {
		out = outFile
	}
	_ = cmdutil.WriteJSON(stdout, ready{
		Version:     version,
		Commit:      commit,
		Date:        date,
		KeyFile:     out,
		Fingerprint: hex.EncodeToString(id.Fingerprint[:]),
	}, false)
	return 0
}
