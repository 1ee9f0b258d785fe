package config

import (
	"fmt"
	"time"
)

// Policy holds the risk buffers applied by the planners. All ratios that feed
// leg amounts are basis points so they stay in integer arithmetic.
type Policy struct {
	// Extra flash loan taken on open to absorb swap slippage
	SwapSlippageBufferBps uint64 `yaml:"swap_slippage_buffer_bps" json:"swapSlippageBufferBps"`

	// Tolerance between quoted and minimum accepted swap output
	SwapSlippageBps uint64 `yaml:"swap_slippage_bps" json:"swapSlippageBps"`

	// Flash loan size above the debt being repaid on close
	FlashRepayBufferBps uint64 `yaml:"flash_repay_buffer_bps" json:"flashRepayBufferBps"`

	// Margin over the flash repayment when sizing the close swap
	CloseSwapMarginBps uint64 `yaml:"close_swap_margin_bps" json:"closeSwapMarginBps"`

	// Requested repayments this close to the actual debt are full closes
	FullRepayToleranceBps uint64 `yaml:"full_repay_tolerance_bps" json:"fullRepayToleranceBps"`

	// Share of supplied collateral that may be withdrawn at once
	MaxWithdrawBps uint64 `yaml:"max_withdraw_bps" json:"maxWithdrawBps"`

	LeverageSafetyFactor float64 `yaml:"leverage_safety_factor" json:"leverageSafetyFactor"`
	MaxLeverageCeiling   float64 `yaml:"max_leverage_ceiling" json:"maxLeverageCeiling"`

	LoopLtvBps         uint64 `yaml:"loop_ltv_bps" json:"loopLtvBps"`
	LoopSafetyBps      uint64 `yaml:"loop_safety_bps" json:"loopSafetyBps"`
	LoopConvergenceBps uint64 `yaml:"loop_convergence_bps" json:"loopConvergenceBps"`
	LoopMaxIterations  int    `yaml:"loop_max_iterations" json:"loopMaxIterations"`

	// Borrows below this many minor units end the loop
	LoopMinBorrow uint64 `yaml:"loop_min_borrow" json:"loopMinBorrow"`

	// Snapshots older than this are rejected; zero disables the check
	MaxDataAge time.Duration `yaml:"max_data_age" json:"maxDataAge"`
}

// DefaultPolicy returns the buffers observed in production
func DefaultPolicy() Policy {
	return Policy{
		SwapSlippageBufferBps: 200,
		SwapSlippageBps:       100,
		FlashRepayBufferBps:   500,
		CloseSwapMarginBps:    200,
		FullRepayToleranceBps: 200,
		MaxWithdrawBps:        9990,
		LeverageSafetyFactor:  0.95,
		MaxLeverageCeiling:    10,
		LoopLtvBps:            7200,
		LoopSafetyBps:         9500,
		LoopConvergenceBps:    9800,
		LoopMaxIterations:     8,
		LoopMinBorrow:         1000,
		MaxDataAge:            5 * time.Minute,
	}
}

// LoadPolicy reads policy overrides from the environment
func LoadPolicy() Policy {
	d := DefaultPolicy()
	return Policy{
		SwapSlippageBufferBps: GetEnvAsUint("SWAP_SLIPPAGE_BUFFER_BPS", d.SwapSlippageBufferBps),
		SwapSlippageBps:       GetEnvAsUint("SWAP_SLIPPAGE_BPS", d.SwapSlippageBps),
		FlashRepayBufferBps:   GetEnvAsUint("FLASH_REPAY_BUFFER_BPS", d.FlashRepayBufferBps),
		CloseSwapMarginBps:    GetEnvAsUint("CLOSE_SWAP_MARGIN_BPS", d.CloseSwapMarginBps),
		FullRepayToleranceBps: GetEnvAsUint("FULL_REPAY_TOLERANCE_BPS", d.FullRepayToleranceBps),
		MaxWithdrawBps:        GetEnvAsUint("MAX_WITHDRAW_BPS", d.MaxWithdrawBps),
		LeverageSafetyFactor:  GetEnvAsFloat("LEVERAGE_SAFETY_FACTOR", d.LeverageSafetyFactor),
		MaxLeverageCeiling:    GetEnvAsFloat("MAX_LEVERAGE_CEILING", d.MaxLeverageCeiling),
		LoopLtvBps:            GetEnvAsUint("LOOP_LTV_BPS", d.LoopLtvBps),
		LoopSafetyBps:         GetEnvAsUint("LOOP_SAFETY_BPS", d.LoopSafetyBps),
		LoopConvergenceBps:    GetEnvAsUint("LOOP_CONVERGENCE_BPS", d.LoopConvergenceBps),
		LoopMaxIterations:     GetEnvAsInt("LOOP_MAX_ITERATIONS", d.LoopMaxIterations),
		LoopMinBorrow:         GetEnvAsUint("LOOP_MIN_BORROW", d.LoopMinBorrow),
		MaxDataAge:            GetEnvAsDuration("MAX_DATA_AGE", d.MaxDataAge),
	}
}

// Validate rejects buffers that cannot produce a safe plan
func (p Policy) Validate() error {
	const full = 10_000
	if p.SwapSlippageBps >= full {
		return fmt.Errorf("swap slippage must be below 100%%")
	}
	if p.MaxWithdrawBps == 0 || p.MaxWithdrawBps > full {
		return fmt.Errorf("max withdraw must be in (0, 10000] bps")
	}
	if p.FullRepayToleranceBps >= full {
		return fmt.Errorf("full repay tolerance must be below 100%%")
	}
	if p.LeverageSafetyFactor <= 0 || p.LeverageSafetyFactor > 1 {
		return fmt.Errorf("leverage safety factor must be in (0, 1]")
	}
	if p.MaxLeverageCeiling <= 1 {
		return fmt.Errorf("max leverage ceiling must be > 1")
	}
	if p.LoopLtvBps == 0 || p.LoopLtvBps >= full {
		return fmt.Errorf("loop LTV must be in (0, 10000) bps")
	}
	if p.LoopSafetyBps == 0 || p.LoopSafetyBps > full {
		return fmt.Errorf("loop safety must be in (0, 10000] bps")
	}
	if p.LoopConvergenceBps == 0 || p.LoopConvergenceBps > full {
		return fmt.Errorf("loop convergence must be in (0, 10000] bps")
	}
	if p.LoopMaxIterations <= 0 {
		return fmt.Errorf("loop iteration cap must be > 0")
	}
	if p.MaxDataAge < 0 {
		return fmt.Errorf("max data age must not be negative")
	}
	return nil
}
