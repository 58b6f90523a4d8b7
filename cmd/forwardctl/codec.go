package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"SettledForward/internal/settlement"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(encodeConfigCmd, decodeConfigCmd, encodeInputCmd, decodeResultCmd)
	addConfigFlags(encodeConfigCmd)
	addInputFlags(encodeInputCmd)
}

var encodeConfigCmd = &cobra.Command{
	Use:   "encode-config",
	Short: "Print the hex config record for the given parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		b, err := cfg.MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
		return nil
	},
}

var decodeConfigCmd = &cobra.Command{
	Use:   "decode-config <hex>",
	Short: "Decode a hex config record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := decodeHex(args[0])
		if err != nil {
			return err
		}
		var cfg settlement.Config
		if err := cfg.UnmarshalBinary(b); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"strike":      cfg.Strike.String(),
			"notional":    cfg.Notional,
			"is_linear":   cfg.IsLinear,
			"is_standard": cfg.IsStandard,
		})
	},
}

var encodeInputCmd = &cobra.Command{
	Use:   "encode-input",
	Short: "Print the hex execute input for the given quantities and prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := inputFromFlags(cmd)
		if err != nil {
			return err
		}
		b, err := in.MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
		return nil
	},
}

var decodeResultCmd = &cobra.Command{
	Use:   "decode-result <hex>",
	Short: "Decode a hex execute result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := decodeHex(args[0])
		if err != nil {
			return err
		}
		var res settlement.ExecuteResult
		if err := res.UnmarshalBinary(b); err != nil {
			return err
		}
		out, err := resultJSON(res)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return b, nil
}
