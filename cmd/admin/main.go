package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/ruteri/identity-lifecycle-backend/api/clients"
	"github.com/ruteri/identity-lifecycle-backend/cmd/flags"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"github.com/ruteri/identity-lifecycle-backend/ledger"
	"github.com/urfave/cli/v2"
)

var flagServer *cli.StringFlag = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080",
	Usage:   "Identity API server address",
	EnvVars: []string{"IDENTITY_SERVER_ADDR"},
}
var flagToken *cli.StringFlag = &cli.StringFlag{
	Name:    "token",
	Usage:   "Bearer session token",
	EnvVars: []string{"IDENTITY_TOKEN"},
}
var flagSubject *cli.StringFlag = &cli.StringFlag{
	Name:  "subject",
	Usage: "Subject id to inspect; empty shows the token's own identity",
}
var flagMinterKey *cli.StringFlag = &cli.StringFlag{
	Name:    "minter-key",
	Usage:   "Hex encoded minter private key",
	EnvVars: []string{"MINTER_KEY"},
}
var flagAdminKey *cli.StringFlag = &cli.StringFlag{
	Name:     "admin-key",
	Usage:    "Hex encoded private key of the contract role admin",
	EnvVars:  []string{"ADMIN_KEY"},
	Required: true,
}
var flagAccount *cli.StringFlag = &cli.StringFlag{
	Name:     "account",
	Usage:    "Account address",
	Required: true,
}
var flagOutDir *cli.StringFlag = &cli.StringFlag{
	Name:  "out-dir",
	Usage: "Directory to write key material to; empty prints to stdout",
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dialLedger(cCtx *cli.Context) (*ethclient.Client, *ledger.Client, error) {
	contract := cCtx.String(flags.IdentityContractFlag.Name)
	if !common.IsHexAddress(contract) {
		return nil, nil, fmt.Errorf("invalid identity contract address %q", contract)
	}
	ethClient, err := ethclient.DialContext(cCtx.Context, cCtx.String(flags.RpcAddrFlag.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("could not dial RPC: %w", err)
	}
	client, err := ledger.NewClient(ethClient, common.HexToAddress(contract), flags.SetupLogger(cCtx))
	if err != nil {
		return nil, nil, err
	}
	return ethClient, client, nil
}

func writeSecret(dir, name, content string) error {
	if dir == "" {
		fmt.Printf("%s: %s\n", name, content)
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0600)
}

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:           "identity-admin",
		Usage:          "Operate the identity lifecycle service",
		DefaultCommand: "status",
		Flags:          flags.LogFlags,
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "status",
				Usage: "Show an identity as stored by the server",
				Flags: []cli.Flag{flagServer, flagToken, flagSubject},
				Action: func(cCtx *cli.Context) error {
					client := &clients.IdentityClient{ServerAddr: cCtx.String(flagServer.Name), Token: cCtx.String(flagToken.Name)}
					if subject := cCtx.String(flagSubject.Name); subject != "" {
						resp, err := client.AdminIdentity(cCtx.Context, subject)
						if err != nil {
							return err
						}
						return printJSON(resp)
					}
					resp, err := client.Status(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			&cli.Command{
				Name:      "clear-pending-mint",
				Usage:     "Drop the pending mint of an identity after investigating it",
				ArgsUsage: "<subject id>",
				Flags:     []cli.Flag{flagServer, flagToken},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected a subject id")
					}
					client := &clients.IdentityClient{ServerAddr: cCtx.String(flagServer.Name), Token: cCtx.String(flagToken.Name)}
					if err := client.ClearPendingMint(cCtx.Context, cCtx.Args().First()); err != nil {
						return err
					}
					fmt.Println("pending mint cleared")
					return nil
				},
			},
			&cli.Command{
				Name:  "generate-minter-account",
				Usage: "Generate a fresh minter account",
				Flags: []cli.Flag{flagOutDir},
				Action: func(cCtx *cli.Context) error {
					key, err := crypto.GenerateKey()
					if err != nil {
						return fmt.Errorf("failed to generate key: %w", err)
					}
					fmt.Println("address:", crypto.PubkeyToAddress(key.PublicKey).Hex())
					return writeSecret(cCtx.String(flagOutDir.Name), "minter-key", kms.MinterKeyHex(key))
				},
			},
			&cli.Command{
				Name:  "split-minter-key",
				Usage: "Split the minter key into Shamir shares for --minter-key-shares",
				Flags: []cli.Flag{
					flagMinterKey,
					flagOutDir,
					&cli.IntFlag{Name: "threshold", Value: 2},
					&cli.IntFlag{Name: "total-shares", Value: 3},
				},
				Action: func(cCtx *cli.Context) error {
					source, err := kms.NewStaticMinterKey(cCtx.String(flagMinterKey.Name))
					if err != nil {
						return err
					}
					key, err := source.MinterKey(cCtx.Context)
					if err != nil {
						return err
					}

					shares, err := kms.SplitMinterKey(key, cCtx.Int("total-shares"), cCtx.Int("threshold"))
					if err != nil {
						return err
					}
					for i, share := range shares {
						if err := writeSecret(cCtx.String(flagOutDir.Name), fmt.Sprintf("minter-share-%d", i+1), share); err != nil {
							return err
						}
					}
					fmt.Println("address:", crypto.PubkeyToAddress(key.PublicKey).Hex())
					return nil
				},
			},
			&cli.Command{
				Name:      "derive-address",
				Usage:     "Derive the wallet address of a biometric hash",
				ArgsUsage: "<bio hash>",
				Flags:     []cli.Flag{&cli.UintFlag{Name: "index", Usage: "Sibling wallet index"}},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected a biometric hash")
					}
					derived, err := kms.MustDeriver(kms.DerivationV1).Derive(cCtx.Args().First(), uint32(cCtx.Uint("index")))
					if err != nil {
						return err
					}
					fmt.Println(derived.Address.Hex())
					return nil
				},
			},
			&cli.Command{
				Name:  "check-minter-role",
				Usage: "Check whether an account holds the minter role",
				Flags: []cli.Flag{flags.RpcAddrFlag, flags.IdentityContractFlag, flagAccount},
				Action: func(cCtx *cli.Context) error {
					_, client, err := dialLedger(cCtx)
					if err != nil {
						return err
					}
					hasRole, err := client.HasMinterRole(cCtx.Context, common.HexToAddress(cCtx.String(flagAccount.Name)))
					if err != nil {
						return err
					}
					fmt.Println("minter role:", hasRole)
					return nil
				},
			},
			&cli.Command{
				Name:  "grant-minter-role",
				Usage: "Grant the minter role to an account",
				Flags: []cli.Flag{flags.RpcAddrFlag, flags.IdentityContractFlag, flagAdminKey, flagAccount},
				Action: func(cCtx *cli.Context) error {
					ethClient, client, err := dialLedger(cCtx)
					if err != nil {
						return err
					}
					source, err := kms.NewStaticMinterKey(cCtx.String(flagAdminKey.Name))
					if err != nil {
						return err
					}
					key, err := source.MinterKey(cCtx.Context)
					if err != nil {
						return err
					}
					opts, err := ledger.NewTransactOpts(cCtx.Context, ethClient, key)
					if err != nil {
						return err
					}
					client.SetTransactOpts(opts)

					txHash, err := client.GrantMinterRole(cCtx.Context, common.HexToAddress(cCtx.String(flagAccount.Name)))
					if err != nil {
						return err
					}
					fmt.Println("submitted:", txHash.Hex())
					return nil
				},
			},
			&cli.Command{
				Name:      "token-info",
				Usage:     "Read the on-chain identity of a token",
				ArgsUsage: "<token id>",
				Flags:     []cli.Flag{flags.RpcAddrFlag, flags.IdentityContractFlag},
				Action: func(cCtx *cli.Context) error {
					tokenID, ok := new(big.Int).SetString(cCtx.Args().First(), 10)
					if !ok {
						return fmt.Errorf("invalid token id %q", cCtx.Args().First())
					}
					_, client, err := dialLedger(cCtx)
					if err != nil {
						return err
					}
					ident, err := client.Identity(cCtx.Context, tokenID)
					if err != nil {
						return err
					}
					return printJSON(ident)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
