package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appsworld/go-codesign/pkg/codesign"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
)

type extractOptions struct {
	input string
	data  string
}

func newExtractCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "extract [options] INPUT_PATH",
		Short:                 "extract code signature data from a Mach-O binary",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(extractOptions)
	c.Flags().StringVar(&opts.data, "data", "blobs", "which data to extract: blobs, code-directory, requirements, cms, entitlements")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		return runExtract(cmd.Context(), opts)
	}
	return c
}

func runExtract(_ context.Context, opts *extractOptions) error {
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return err
	}

	if opts.data == "blobs" {
		raw, err := codesign.ExtractRaw(data)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(raw)
		return err
	}

	cs, err := codesign.Extract(data)
	if err != nil {
		return err
	}
	switch opts.data {
	case "code-directory":
		for _, cd := range cs.CodeDirectories {
			fmt.Printf("identifier: %s\n", cd.ID)
			if cd.TeamID != "" {
				fmt.Printf("team: %s\n", cd.TeamID)
			}
			fmt.Printf("cdhash: %x\n", cd.CDHash[:cstypes.CDHASH_LEN])
			fmt.Printf("hash type: %s\n", cd.Header.HashType)
			fmt.Printf("code limit: %d\n", cd.CodeLimit)
			fmt.Printf("code slots: %d\n", cd.Header.NCodeSlots)
			fmt.Printf("special slots: %d\n", cd.Header.NSpecialSlots)
		}
	case "requirements":
		if cs.Requirements == nil {
			return fmt.Errorf("signature carries no requirements")
		}
		fmt.Println(cs.Requirements)
	case "cms":
		if cs.CMSSignature == nil {
			return fmt.Errorf("signature carries no CMS data")
		}
		_, err = os.Stdout.Write(cs.CMSSignature)
		return err
	case "entitlements":
		if cs.Entitlements == "" {
			return fmt.Errorf("signature carries no entitlements")
		}
		fmt.Print(cs.Entitlements)
	default:
		return fmt.Errorf("unknown --data selector %q", opts.data)
	}
	return nil
}
