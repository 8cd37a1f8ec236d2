package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/appsworld/go-codesign/pkg/codesign"
	"github.com/appsworld/go-codesign/pkg/codesign/identity"
	cstypes "github.com/appsworld/go-codesign/pkg/codesign/types"
)

// profile is the YAML signing profile loaded with --profile.
type profile struct {
	Identifier   string `yaml:"identifier"`
	TeamID       string `yaml:"team_id"`
	Entitlements string `yaml:"entitlements"` // path to an XML plist
	TimestampURL string `yaml:"timestamp_url"`
	Hardened     bool   `yaml:"hardened_runtime"`
}

type signOptions struct {
	input        string
	output       string
	identifier   string
	teamID       string
	pemFiles     []string
	profilePath  string
	entitlements string
	timestampURL string
	hardened     bool
}

func newSignCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "sign [options] INPUT_PATH OUTPUT_PATH",
		Short:                 "add a code signature to a Mach-O binary",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(signOptions)
	c.Flags().StringVar(&opts.identifier, "identifier", "", "`id` to record in the code directory (defaults to the file name)")
	c.Flags().StringVar(&opts.teamID, "team-id", "", "team `id` to record in the code directory")
	c.Flags().StringArrayVar(&opts.pemFiles, "pem-file", nil, "PEM `file` with the signing key and certificate chain (repeatable; omit for ad-hoc)")
	c.Flags().StringVar(&opts.profilePath, "profile", "", "YAML signing profile `path`")
	c.Flags().StringVar(&opts.entitlements, "entitlements", "", "entitlements plist `path` to embed")
	c.Flags().StringVar(&opts.timestampURL, "timestamp-url", "", "RFC 3161 server `url` (\"none\" disables timestamping)")
	c.Flags().BoolVar(&opts.hardened, "hardened-runtime", false, "set the hardened runtime flag")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		opts.output = args[1]
		return runSign(cmd.Context(), opts)
	}
	return c
}

func runSign(ctx context.Context, opts *signOptions) error {
	if opts.profilePath != "" {
		raw, err := os.ReadFile(opts.profilePath)
		if err != nil {
			return err
		}
		var p profile
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("failed to parse signing profile %s: %v", opts.profilePath, err)
		}
		if opts.identifier == "" {
			opts.identifier = p.Identifier
		}
		if opts.teamID == "" {
			opts.teamID = p.TeamID
		}
		if opts.entitlements == "" {
			opts.entitlements = p.Entitlements
		}
		if opts.timestampURL == "" {
			opts.timestampURL = p.TimestampURL
		}
		opts.hardened = opts.hardened || p.Hardened
	}
	if opts.identifier == "" {
		opts.identifier = filepath.Base(opts.input)
	}

	data, err := os.ReadFile(opts.input)
	if err != nil {
		return err
	}

	cfg := codesign.SignConfig{
		ID:           opts.identifier,
		TeamID:       opts.teamID,
		TimestampURL: opts.timestampURL,
	}
	if opts.hardened {
		cfg.Flags |= cstypes.RUNTIME
	}
	if opts.entitlements != "" {
		ent, err := os.ReadFile(opts.entitlements)
		if err != nil {
			return err
		}
		cfg.Entitlements = ent
	}
	if len(opts.pemFiles) > 0 {
		cfg.Identity, err = identityFromPEMFiles(opts.pemFiles)
		if err != nil {
			return err
		}
	}

	signed, err := codesign.Sign(ctx, data, cfg)
	if err != nil {
		return err
	}

	// Atomic replace so a crash mid-write never leaves a half-signed
	// binary at the destination.
	tmp := opts.output + ".csign-tmp"
	if err := os.WriteFile(tmp, signed, 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, opts.output)
}

// identityFromPEMFiles assembles an in-process identity from PEM blocks:
// one private key plus the certificate chain, leaf first.
func identityFromPEMFiles(paths []string) (identity.Identity, error) {
	var key crypto.Signer
	var certs []*x509.Certificate
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for {
			var block *pem.Block
			block, raw = pem.Decode(raw)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE":
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("%s: %v", path, err)
				}
				certs = append(certs, cert)
			case "PRIVATE KEY":
				parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("%s: %v", path, err)
				}
				signer, ok := parsed.(crypto.Signer)
				if !ok {
					return nil, fmt.Errorf("%s: key type %T cannot sign", path, parsed)
				}
				key = signer
			case "EC PRIVATE KEY":
				signer, err := x509.ParseECPrivateKey(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("%s: %v", path, err)
				}
				key = signer
			case "RSA PRIVATE KEY":
				signer, err := x509.ParsePKCS1PrivateKey(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("%s: %v", path, err)
				}
				key = signer
			}
		}
	}
	if key == nil {
		return nil, fmt.Errorf("no private key found in %v", paths)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %v", paths)
	}
	return identity.NewInProcess(key, certs[0], certs[1:])
}
