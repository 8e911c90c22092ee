package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/ethgate/service/ledger"
)

func keyCommands() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Key utilities",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate a new secp256k1 key pair",
				Action: func(c *cli.Context) error {
					key, err := ledger.GenerateKey()
					if err != nil {
						return fmt.Errorf("failed to generate key: %w", err)
					}
					addr, err := key.Address()
					if err != nil {
						return err
					}
					out := map[string]string{
						"private_key": hex.EncodeToString(key.Priv),
						"public_key":  hex.EncodeToString(key.Pub),
						"address":     "0x" + addr,
					}
					if wantsJSON(c) {
						return outputJSON(c, out)
					}
					fmt.Printf("Address:     %s\n", out["address"])
					fmt.Printf("Public Key:  %s\n", out["public_key"])
					fmt.Printf("Private Key: %s\n", out["private_key"])
					return nil
				},
			},
			{
				Name:      "address",
				Usage:     "Derive the address of a public key, or of a private key with --private",
				ArgsUsage: "HEX_KEY",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "private",
						Usage: "Treat the argument as a private key",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: hex key")
					}
					addr, err := deriveAddress(c.Args().First(), c.Bool("private"))
					if err != nil {
						return err
					}
					if wantsJSON(c) {
						return outputJSON(c, map[string]string{"address": addr})
					}
					fmt.Println(addr)
					return nil
				},
			},
		},
	}
}

// deriveAddress returns the 0x-prefixed address of a hex key.
func deriveAddress(key string, private bool) (string, error) {
	if private {
		w, err := ledger.KeyWalletFromHex(key)
		if err != nil {
			return "", fmt.Errorf("invalid private key: %w", err)
		}
		return strings.ToLower(w.Address().Hex()), nil
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid public key hex: %w", err)
	}
	addr, err := ledger.PubKeyToAddress(pub)
	if err != nil {
		return "", err
	}
	return "0x" + addr, nil
}
