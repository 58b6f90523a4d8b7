package main

import (
	"context"
	"fmt"
	"time"

	fpmath "SettledForward/internal/math"
	"SettledForward/internal/server"
	"SettledForward/internal/service"
	"SettledForward/internal/settlement"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	flagOldSenior     = "old-senior"
	flagOldJunior     = "old-junior"
	flagOldUnderlying = "old-underlying"
	flagOldSettlement = "old-settlement"
	flagUnderlying    = "underlying"
	flagSettlement    = "settlement"
	flagStrike        = "strike"
	flagNotional      = "notional"
	flagLinear        = "linear"
	flagStandard      = "standard"
	flagAddr          = "addr"
	flagInstrument    = "instrument"
	flagRequestKey    = "request-key"
	flagTimeout       = "timeout"
)

func init() {
	rootCmd.AddCommand(settleCmd, initCmd)

	addInputFlags(settleCmd)
	addConfigFlags(settleCmd)
	settleCmd.Flags().String(flagAddr, "", "settle on a remote forwardsettle gRPC address instead of locally")
	settleCmd.Flags().String(flagInstrument, "", "instrument id for remote settlement")
	settleCmd.Flags().String(flagRequestKey, "", "idempotency key for remote settlement")
	settleCmd.Flags().Duration(flagTimeout, 5*time.Second, "remote call timeout")

	addConfigFlags(initCmd)
	initCmd.Flags().String(flagAddr, "localhost:9090", "forwardsettle gRPC address")
	initCmd.Flags().String(flagInstrument, "", "instrument id (default: server generated)")
	initCmd.Flags().Duration(flagTimeout, 5*time.Second, "remote call timeout")
}

func addInputFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64(flagOldSenior, 0, "senior (long) quantity before settlement")
	f.Uint64(flagOldJunior, 0, "junior (short) quantity before settlement")
	f.String(flagOldUnderlying, "0", "previous underlying price")
	f.String(flagOldSettlement, "0", "previous settlement price")
	f.String(flagUnderlying, "0", "underlying price")
	f.String(flagSettlement, "0", "settlement price")
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64(flagStrike, 0, "strike price")
	f.Uint64(flagNotional, 0, "notional in base units")
	f.Bool(flagLinear, false, "linear payoff (default inverse)")
	f.Bool(flagStandard, false, "settlement price quoted quote-per-base (default inverse quote)")
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Compute a settlement and print the new quantities",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := inputFromFlags(cmd)
		if err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString(flagAddr)
		var res settlement.ExecuteResult
		if addr == "" {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			if res, err = settlement.Execute(cfg, in); err != nil {
				return err
			}
		} else {
			if res, err = remoteSettle(cmd, addr, in); err != nil {
				return err
			}
		}

		out, err := resultJSON(res)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an instrument on a running forwardsettle",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := initParamsFromFlags(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString(flagAddr)
		timeout, _ := cmd.Flags().GetDuration(flagTimeout)

		client, err := server.Dial(addr)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		id, err := client.Initialize(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"instrument_id": id.String()})
	},
}

func remoteSettle(cmd *cobra.Command, addr string, in settlement.ExecuteInput) (settlement.ExecuteResult, error) {
	s, _ := cmd.Flags().GetString(flagInstrument)
	id, err := uuid.Parse(s)
	if err != nil {
		return settlement.ExecuteResult{}, fmt.Errorf("--%s: %w", flagInstrument, err)
	}
	key, _ := cmd.Flags().GetString(flagRequestKey)
	timeout, _ := cmd.Flags().GetDuration(flagTimeout)

	client, err := server.Dial(addr)
	if err != nil {
		return settlement.ExecuteResult{}, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return client.Execute(ctx, id, key, in)
}

func inputFromFlags(cmd *cobra.Command) (settlement.ExecuteInput, error) {
	var in settlement.ExecuteInput
	f := cmd.Flags()

	senior, _ := f.GetUint64(flagOldSenior)
	junior, _ := f.GetUint64(flagOldJunior)
	in.OldQuantity = [2]uint64{senior, junior}

	prices := make(map[string]fpmath.Decimal, 4)
	for _, name := range []string{flagOldUnderlying, flagOldSettlement, flagUnderlying, flagSettlement} {
		s, _ := f.GetString(name)
		d, err := fpmath.NewFromString(s)
		if err != nil {
			return in, fmt.Errorf("--%s: %w", name, err)
		}
		prices[name] = d
	}

	in.OldFairValues = settlement.NewFairValues(prices[flagOldUnderlying], prices[flagOldSettlement])
	in.NewFairValues = settlement.NewFairValues(prices[flagUnderlying], prices[flagSettlement])
	return in, nil
}

func initParamsFromFlags(cmd *cobra.Command) (service.InitParams, error) {
	var p service.InitParams
	f := cmd.Flags()
	p.Strike, _ = f.GetFloat64(flagStrike)
	p.Notional, _ = f.GetUint64(flagNotional)
	p.IsLinear, _ = f.GetBool(flagLinear)
	p.IsStandard, _ = f.GetBool(flagStandard)

	if s, _ := f.GetString(flagInstrument); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return p, fmt.Errorf("--%s: %w", flagInstrument, err)
		}
		p.InstrumentID = id
	}
	return p, nil
}

func configFromFlags(cmd *cobra.Command) (settlement.Config, error) {
	f := cmd.Flags()
	strike, _ := f.GetFloat64(flagStrike)
	notional, _ := f.GetUint64(flagNotional)
	linear, _ := f.GetBool(flagLinear)
	standard, _ := f.GetBool(flagStandard)
	return settlement.NewConfig(strike, notional, linear, standard)
}

type executeResultJSON struct {
	NewQuantity [2]uint64 `json:"new_quantity"`
	FeeQuantity uint64    `json:"fee_quantity"`
	Total       uint64    `json:"total"`
}

// resultJSON fails for a record whose legs cannot come from one settlement.
func resultJSON(res settlement.ExecuteResult) (executeResultJSON, error) {
	total, err := res.Total()
	if err != nil {
		return executeResultJSON{}, err
	}
	return executeResultJSON{NewQuantity: res.NewQuantity, FeeQuantity: res.FeeQuantity, Total: total}, nil
}
