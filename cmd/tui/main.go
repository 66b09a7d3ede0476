package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/thierrypdamiba/ticker-ai/internal/cli"
	"github.com/thierrypdamiba/ticker-ai/internal/config"
)

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== ticker-ai Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit bankroll and risk knobs")
		fmt.Println("3) Edit strategy settings")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch paper bot")
		fmt.Println("6) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editRisk(reader, cfg)
		case "3":
			editStrategy(reader, cfg)
		case "4":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchPaper(reader)
		case "6":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Instrument: %s via %s, venue %s\n", cfg.Exchange.Symbol, cfg.Exchange.Provider, cfg.Broker.Venue)
	fmt.Printf("Starting cash (paper): $%.2f\n", cfg.Paper.StartingCash)
	fmt.Printf("Max position size: %.8f\n", cfg.Risk.MaxPositionSize)
	fmt.Printf("Capital fraction per buy: %.2f%%\n", cfg.Risk.CapitalFraction*100)
	fmt.Printf("Order size bounds: [%.8f, %.8f]\n", cfg.Risk.MinOrderSize, cfg.Risk.MaxOrderSize)
	fmt.Printf("Per-trade notional cap: $%.2f\n", cfg.Risk.MaxNotionalPerTrade)
	fmt.Printf("Max cumulative loss: $%.2f\n", cfg.Risk.MaxCumulativeLoss)
	fmt.Printf("Cooldown: %s after a loss above $%.2f\n", cfg.Risk.Cooldown(), cfg.Risk.CooldownLossThreshold)
	p := cfg.Strategy.Params
	fmt.Printf("Strategy: %s lookback %d threshold %.4f smoothing %d\n", cfg.Strategy.Mode, p.Lookback, p.Threshold, p.SmoothingWindow)
	fmt.Printf("Cycle interval: %s\n", cfg.Execution.Interval())
}

func editRisk(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk / Bankroll ---")
	cfg.Paper.StartingCash = promptFloat(reader, "Starting cash", cfg.Paper.StartingCash)
	cfg.Risk.MaxPositionSize = promptFloat(reader, "Max position size", cfg.Risk.MaxPositionSize)
	cfg.Risk.CapitalFraction = promptPercent(reader, "Capital fraction per buy (%)", cfg.Risk.CapitalFraction)
	cfg.Risk.MinOrderSize = promptFloat(reader, "Min order size", cfg.Risk.MinOrderSize)
	cfg.Risk.MaxOrderSize = promptFloat(reader, "Max order size", cfg.Risk.MaxOrderSize)
	cfg.Risk.MaxNotionalPerTrade = promptFloat(reader, "Max notional per trade (USD)", cfg.Risk.MaxNotionalPerTrade)
	cfg.Risk.MaxCumulativeLoss = promptFloat(reader, "Max cumulative loss (USD)", cfg.Risk.MaxCumulativeLoss)
	cfg.Risk.CooldownLossThreshold = promptFloat(reader, "Cooldown loss threshold (USD)", cfg.Risk.CooldownLossThreshold)
	cfg.Risk.CooldownSecs = int(promptFloat(reader, "Cooldown (seconds)", float64(cfg.Risk.CooldownSecs)))
}

func editStrategy(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Strategy ---")
	fmt.Printf("Mode [%s] (momentum|volatility_adjusted): ", cfg.Strategy.Mode)
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Strategy.Mode = strings.TrimSpace(line)
	}
	p := &cfg.Strategy.Params
	p.Lookback = int(promptFloat(reader, "Lookback samples", float64(p.Lookback)))
	p.Threshold = promptPercent(reader, "Momentum threshold (%)", p.Threshold)
	p.SmoothingWindow = int(promptFloat(reader, "Smoothing window", float64(p.SmoothingWindow)))
	p.MaxExpectedMomentum = promptPercent(reader, "Momentum for full strength (%)", p.MaxExpectedMomentum)
	cfg.Execution.IntervalSecs = int(promptFloat(reader, "Cycle interval (seconds)", float64(cfg.Execution.IntervalSecs)))
	if err := cfg.Validate(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}
}

func launchPaper(reader *bufio.Reader) {
	fmt.Println("Launching paper bot (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/paper")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bot: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the bot and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if filepath.IsAbs(cli.DefaultConfigPath) {
		return cli.DefaultConfigPath
	}
	return filepath.Clean(cli.DefaultConfigPath)
}
