package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appsworld/go-codesign/pkg/codesign"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
)

type hashesOptions struct {
	input    string
	hashName string
	pageLog2 uint8
}

func newComputeCodeHashesCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "compute-code-hashes [options] INPUT_PATH",
		Short:                 "compute code hashes for a binary",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(hashesOptions)
	c.Flags().StringVar(&opts.hashName, "hash", "sha256", "hash `kind`: sha1, sha256, sha256-truncated, sha384, sha512")
	c.Flags().Uint8Var(&opts.pageLog2, "page-size", 12, "log2 of the page size in bytes")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		return runComputeCodeHashes(cmd.Context(), opts)
	}
	return c
}

func hashTypeByName(name string) (cstypes.HashType, error) {
	switch name {
	case "sha1":
		return cstypes.HASHTYPE_SHA1, nil
	case "sha256":
		return cstypes.HASHTYPE_SHA256, nil
	case "sha256-truncated":
		return cstypes.HASHTYPE_SHA256_TRUNCATED, nil
	case "sha384":
		return cstypes.HASHTYPE_SHA384, nil
	case "sha512":
		return cstypes.HASHTYPE_SHA512, nil
	default:
		return cstypes.HASHTYPE_NOHASH, fmt.Errorf("hash kind %q: %w", name, cstypes.ErrUnsupportedHash)
	}
}

func runComputeCodeHashes(_ context.Context, opts *hashesOptions) error {
	ht, err := hashTypeByName(opts.hashName)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return err
	}
	hashes, err := codesign.ComputeCodeHashes(data, ht, opts.pageLog2)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		fmt.Printf("%x\n", h)
	}
	return nil
}
