package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"rentflow/chain"
	"rentflow/cmd/internal/passphrase"
	"rentflow/crypto"
	"rentflow/lease/signature"
	"rentflow/services/leased"
)

const passphraseEnv = "LEASECTL_PASSPHRASE"

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen <keystore-path>",
		Short: "Generate a signing key and write it to an encrypted keystore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			light, _ := cmd.Flags().GetBool("light")
			path := args[0]
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("refusing to overwrite %s", path)
			}
			pass, err := passphrase.NewSource(passphraseEnv, "new keystore").GetConfirmed()
			if err != nil {
				return err
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			save := crypto.SaveToKeystore
			if light {
				save = crypto.SaveToKeystoreLight
			}
			if err := save(path, key, pass); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.PubKey().Address().String())
			return nil
		},
	}
	cmd.Flags().Bool("light", false, "use light scrypt parameters (testing only)")
	return cmd
}

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Compute the message hash a party signs for a lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			terms, role, err := termsFromFlags(cmd)
			if err != nil {
				return err
			}
			hash, err := signature.MessageHash(terms, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("lease-id", "", "lease identifier")
	flags.String("role", "", "signing party: landlord or tenant")
	flags.String("landlord", "", "landlord address")
	flags.String("tenant", "", "tenant address")
	flags.String("document-hash", "", "keccak256 of the lease document")
	flags.String("rent", "", "monthly rent in stablecoin units")
	flags.String("deposit", "", "security deposit in stablecoin units")
	for _, name := range []string{"lease-id", "role", "landlord", "tenant", "document-hash", "rent", "deposit"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func termsFromFlags(cmd *cobra.Command) (signature.Terms, signature.Role, error) {
	get := func(name string) string {
		value, _ := cmd.Flags().GetString(name)
		return strings.TrimSpace(value)
	}
	role, err := signature.ParseRole(get("role"))
	if err != nil {
		return signature.Terms{}, 0, err
	}
	landlord, err := crypto.ParseAddress(get("landlord"))
	if err != nil {
		return signature.Terms{}, 0, fmt.Errorf("landlord: %w", err)
	}
	tenant, err := crypto.ParseAddress(get("tenant"))
	if err != nil {
		return signature.Terms{}, 0, fmt.Errorf("tenant: %w", err)
	}
	document, err := signature.ParseDocumentHash(get("document-hash"))
	if err != nil {
		return signature.Terms{}, 0, err
	}
	rent, err := decimal.NewFromString(get("rent"))
	if err != nil {
		return signature.Terms{}, 0, fmt.Errorf("rent: %w", err)
	}
	deposit, err := decimal.NewFromString(get("deposit"))
	if err != nil {
		return signature.Terms{}, 0, fmt.Errorf("deposit: %w", err)
	}
	return signature.Terms{
		LeaseID:         get("lease-id"),
		Landlord:        landlord,
		Tenant:          tenant,
		DocumentHash:    document,
		MonthlyRent:     rent,
		SecurityDeposit: deposit,
	}, role, nil
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <message-hash>",
		Short: "Sign a lease message hash with a keystore key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keystore, _ := cmd.Flags().GetString("keystore")
			hash, err := signature.ParseDocumentHash(args[0])
			if err != nil {
				return errors.New("message hash must be 32 bytes of hex")
			}
			pass, err := passphrase.NewSource(passphraseEnv, "signing keystore").Get()
			if err != nil {
				return err
			}
			key, err := crypto.LoadFromKeystore(keystore, pass)
			if err != nil {
				return fmt.Errorf("load keystore: %w", err)
			}
			sig, err := signature.Sign(hash, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Encode(sig))
			return nil
		},
	}
	cmd.Flags().String("keystore", "", "path to the signing keystore")
	_ = cmd.MarkFlagRequired("keystore")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <message-hash> <signature> <address>",
		Short: "Verify a lease signature locally and optionally against the verifier contract",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := signature.ParseDocumentHash(args[0])
			if err != nil {
				return errors.New("message hash must be 32 bytes of hex")
			}
			sig, err := signature.Decode(args[1])
			if err != nil {
				return err
			}
			address, err := crypto.ParseAddress(args[2])
			if err != nil {
				return err
			}
			if err := signature.Verify(hash, sig, address); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "local: valid")

			rpc, _ := cmd.Flags().GetString("rpc")
			contract, _ := cmd.Flags().GetString("contract")
			if rpc == "" || contract == "" {
				return nil
			}
			contractAddr, err := crypto.ParseAddress(contract)
			if err != nil {
				return fmt.Errorf("contract: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			client, err := chain.Dial(ctx, rpc)
			if err != nil {
				return err
			}
			defer client.Close()
			verifier, err := chain.NewVerifier(client, contractAddr)
			if err != nil {
				return err
			}
			ok, err := verifier.VerifySignature(ctx, hash, sig, address)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("on-chain: signature rejected")
			}
			fmt.Fprintln(out, "on-chain: valid")
			return nil
		},
	}
	cmd.Flags().String("rpc", "", "JSON-RPC endpoint for on-chain verification")
	cmd.Flags().String("contract", "", "verifier contract address")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the leased schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _ := cmd.Flags().GetString("driver")
			dsn, _ := cmd.Flags().GetString("dsn")
			if dsn == "" {
				dsn = os.Getenv("LEASED_DATABASE_DSN")
			}
			if dsn == "" {
				return errors.New("--dsn or LEASED_DATABASE_DSN is required")
			}
			db, err := leased.OpenDatabase(leased.DatabaseConfig{Driver: driver, DSN: dsn})
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().String("driver", "postgres", "database driver: postgres or sqlite")
	cmd.Flags().String("dsn", "", "database DSN (defaults to LEASED_DATABASE_DSN)")
	return cmd
}
