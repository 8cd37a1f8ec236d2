package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appsworld/go-codesign/pkg/codesign"
	"github.com/appsworld/go-codesign/pkg/codesign/cms"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
)

func newShowCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "show INPUT_PATH",
		Short:                 "describe the embedded code signature",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runShow(cmd.Context(), args[0])
	}
	return c
}

func runShow(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cs, err := codesign.Extract(data)
	if err != nil {
		return err
	}

	fmt.Println("slots:")
	for _, slot := range cs.Slots {
		fmt.Printf("  %s\n", slot)
	}
	for _, cd := range cs.CodeDirectories {
		fmt.Printf("code directory %s (%s, %d pages, flags %s)\n",
			cd.ID, cd.Header.HashType, cd.Header.NCodeSlots, cd.Header.Flags)
		fmt.Printf("  cdhash %x\n", cd.CDHash[:cstypes.CDHASH_LEN])
	}
	if cs.Requirements != nil {
		fmt.Printf("requirements:\n%s\n", cs.Requirements)
	}
	if cs.Entitlements != "" {
		fmt.Printf("entitlements: %d bytes\n", len(cs.Entitlements))
	}
	if cs.CMSSignature != nil {
		info, err := cms.Parse(trimTrailingZeros(cs.CMSSignature))
		if err != nil {
			fmt.Printf("cms: %d bytes (unparsed: %v)\n", len(cs.CMSSignature), err)
			return nil
		}
		fmt.Printf("cms: signed %x", info.MessageDigest)
		if !info.SigningTime.IsZero() {
			fmt.Printf(" at %s", info.SigningTime.UTC().Format("2006-01-02 15:04:05"))
		}
		if info.HasTimestamp {
			fmt.Print(" (timestamped)")
		}
		fmt.Println()
		for _, cert := range info.Certificates {
			fmt.Printf("  certificate: %s\n", cert.Subject.CommonName)
		}
	}
	return nil
}

// trimTrailingZeros strips the fixpoint padding appended after the DER
// content of the CMS blob.
func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
