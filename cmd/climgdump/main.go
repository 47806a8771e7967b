// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/climage/climage"
	"github.com/spf13/cobra"
)

var (
	dosHeader   bool
	richHeader  bool
	ntHeader    bool
	sections    bool
	clr         bool
	certificate bool
	allSections bool
)

func prettyPrint(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func dumpFile(path string) error {
	r := climage.NewRegistry(&climage.Options{CareAboutCLI: true})
	img, err := r.Open(path, true)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer img.Close()

	if dosHeader || allSections {
		fmt.Println(prettyPrint(img.DOSHeader))
	}
	if (richHeader || allSections) && img.HasRichHdr {
		fmt.Println(prettyPrint(img.RichHeader))
	}
	if ntHeader || allSections {
		fmt.Println(prettyPrint(img.NtHeader))
	}
	if sections || allSections {
		fmt.Println(prettyPrint(img.Sections))
	}
	if (certificate || allSections) && img.HasCertificate {
		fmt.Println(prettyPrint(img.Certificates))
	}
	if (clr || allSections) && img.HasCLR {
		fmt.Println(prettyPrint(img.CLIHeader))
		fmt.Println(prettyPrint(img.Metadata))
		fmt.Printf("guid: %s\n", img.GUID())
	}
	return nil
}

func main() {
	var dumpCmd = &cobra.Command{
		Use:   "dump <path>",
		Short: "Dumps the PE/CLI structure of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpFile(args[0])
		},
	}
	dumpCmd.Flags().BoolVar(&dosHeader, "dosheader", false, "dump the MS-DOS stub header")
	dumpCmd.Flags().BoolVar(&richHeader, "rich", false, "dump the Rich header, if present")
	dumpCmd.Flags().BoolVar(&ntHeader, "ntheader", false, "dump the PE/COFF header")
	dumpCmd.Flags().BoolVar(&sections, "sections", false, "dump the section table")
	dumpCmd.Flags().BoolVar(&certificate, "cert", false, "dump the certificate directory, if present")
	dumpCmd.Flags().BoolVar(&clr, "clr", false, "dump the CLI header and metadata root")
	dumpCmd.Flags().BoolVar(&allSections, "all", false, "dump everything recognized")

	rootCmd := &cobra.Command{
		Use:   "climgdump",
		Short: "climgdump inspects CLI images (PE/COFF + embedded .NET metadata)",
	}
	rootCmd.AddCommand(dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
