package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tokentrigger/engine/internal/config"
	"github.com/tokentrigger/engine/internal/connection"
	"github.com/tokentrigger/engine/internal/ledger"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/internal/syncer"
)

// loadConfig loads configuration for a one-shot CLI command
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the store for a one-shot CLI command
func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.NewStore(&store.StoreConfig{
		Type:             cfg.Storage.Type,
		ConnectionString: cfg.Storage.ConnectionString,
		MaxConnections:   cfg.Storage.MaxConnections,
		MaxIdleTime:      cfg.Storage.MaxIdleTime,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Connect(); err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// openLedger opens a chain-backed ledger client
func openLedger(cfg *config.Config) (*ledger.Client, *connection.ConnectionManager, error) {
	conn := connection.NewConnectionManager(&cfg.Node)
	ld, err := ledger.NewClient(conn, &cfg.Node)
	if err != nil {
		return nil, nil, err
	}
	return ld, conn, nil
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trigger %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println("Configuration is valid!")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Node: %s (chain %d)\n", cfg.Node.URL, cfg.Node.ChainID)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Contract: %s\n", cfg.Engine.Contract)

		return nil
	},
}

// registerCmd registers a new price listener
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a price listener",
	Long:  `Register a listener that fires when the observed price of a token reaches the target price. Sell and buy listeners need a price limit; transfer listeners need a recipient.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tokenID, _ := cmd.Flags().GetUint64("token")
		targetStr, _ := cmd.Flags().GetString("target")
		actionStr, _ := cmd.Flags().GetString("action")
		amountStr, _ := cmd.Flags().GetString("amount")
		limitStr, _ := cmd.Flags().GetString("limit")
		recipientStr, _ := cmd.Flags().GetString("recipient")
		ownerStr, _ := cmd.Flags().GetString("owner")

		action, err := models.ParseActionType(actionStr)
		if err != nil {
			return err
		}
		target, err := decimal.NewFromString(targetStr)
		if err != nil {
			return fmt.Errorf("invalid target price %q: %w", targetStr, err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", amountStr, err)
		}

		listener := &models.Listener{
			ID:          uuid.New().String(),
			Contract:    common.HexToAddress(cfg.Engine.Contract),
			Owner:       common.HexToAddress(cfg.Engine.Owner),
			TokenID:     tokenID,
			TargetPrice: target,
			Action:      action,
			Amount:      amount,
			Status:      models.StatusActive,
			CreatedAt:   time.Now().UTC(),
		}
		if ownerStr != "" {
			listener.Owner = common.HexToAddress(ownerStr)
		}
		if limitStr != "" {
			limit, err := decimal.NewFromString(limitStr)
			if err != nil {
				return fmt.Errorf("invalid price limit %q: %w", limitStr, err)
			}
			listener.PriceLimit = &limit
		}
		if recipientStr != "" {
			recipient := common.HexToAddress(recipientStr)
			listener.Recipient = &recipient
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.PutListener(context.Background(), listener); err != nil {
			return err
		}

		fmt.Printf("Registered %s listener %s: token %d at price %s\n",
			listener.Action, listener.ID, listener.TokenID, listener.TargetPrice.String())
		return nil
	},
}

// listenersCmd lists registered listeners
var listenersCmd = &cobra.Command{
	Use:   "listeners",
	Short: "List registered listeners",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := models.ListenerFilter{Limit: 100}
		if statusStr, _ := cmd.Flags().GetString("status"); statusStr != "" {
			status := models.ListenerStatus(statusStr)
			filter.Status = &status
		}
		if cmd.Flags().Changed("token") {
			tokenID, _ := cmd.Flags().GetUint64("token")
			filter.TokenID = &tokenID
		}

		listeners, err := st.GetListeners(context.Background(), filter)
		if err != nil {
			return err
		}

		if len(listeners) == 0 {
			fmt.Println("No listeners found")
			return nil
		}

		for _, l := range listeners {
			line := fmt.Sprintf("%s  %-8s token %-6d target %-12s amount %-10s %s",
				l.ID, l.Action, l.TokenID, l.TargetPrice.String(), l.Amount.String(), l.Status)
			if l.TxRef != nil {
				line += "  tx " + *l.TxRef
			}
			fmt.Println(line)
		}
		return nil
	},
}

// cancelCmd cancels an active listener
var cancelCmd = &cobra.Command{
	Use:   "cancel <listener-id>",
	Short: "Cancel an active listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.CancelListener(context.Background(), args[0]); err != nil {
			return err
		}

		fmt.Printf("Listener %s cancelled\n", args[0])
		return nil
	},
}

// updatePriceCmd submits a price observation to a running engine
var updatePriceCmd = &cobra.Command{
	Use:   "update-price",
	Short: "Submit a price observation to a running engine",
	Long:  `Submit a price observation to the engine's HTTP API and print the evaluation summary. The engine must be running; prices submitted here are evaluated against every active listener for the token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tokenID, _ := cmd.Flags().GetUint64("token")
		priceStr, _ := cmd.Flags().GetString("price")

		if _, err := decimal.NewFromString(priceStr); err != nil {
			return fmt.Errorf("invalid price %q: %w", priceStr, err)
		}

		body, _ := json.Marshal(map[string]interface{}{
			"token_id": tokenID,
			"price":    priceStr,
		})

		url := fmt.Sprintf("http://%s:%d/api/v1/prices", cfg.Server.Host, cfg.Server.Port)
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach engine at %s (is it running?): %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var apiErr map[string]interface{}
			json.NewDecoder(resp.Body).Decode(&apiErr)
			return fmt.Errorf("price submission failed (%d): %v", resp.StatusCode, apiErr["details"])
		}

		var summary models.EvaluationSummary
		if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
			return fmt.Errorf("failed to decode evaluation summary: %w", err)
		}

		fmt.Printf("Price %s recorded for token %d: %d listener(s) evaluated, %d fired, %d failed\n",
			priceStr, tokenID, summary.Evaluated, summary.FiredCount(), summary.FailedCount())
		for _, o := range summary.Outcomes {
			if o.Status == models.OutcomeCompleted {
				fmt.Printf("  %s %s -> %s\n", o.ListenerID, o.Action, o.TxRef)
			} else {
				fmt.Printf("  %s %s failed: %s\n", o.ListenerID, o.Action, o.Reason)
			}
		}
		return nil
	},
}

// syncCmd syncs contract state into the local cache
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync contract state into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ld, conn, err := openLedger(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		contract := common.HexToAddress(cfg.Engine.Contract)
		if contractStr, _ := cmd.Flags().GetString("contract"); contractStr != "" {
			contract = common.HexToAddress(contractStr)
		}

		sync := syncer.NewStorageSyncer(st, ld, &syncer.SyncerConfig{
			Contract:    contract,
			SyncTimeout: cfg.Syncer.SyncTimeout,
		}, nil)

		snapshot, err := sync.Sync(context.Background(), contract)
		if err != nil {
			return fmt.Errorf("sync failed, previous cache retained: %w", err)
		}

		fmt.Printf("Synced %s: %d token(s), %d balance(s)\n",
			contract.Hex(), len(snapshot.Tokens), len(snapshot.Balances))
		return nil
	},
}

// balanceCmd shows a cached token balance
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the cached balance of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		tokenID, _ := cmd.Flags().GetUint64("token")
		accountStr, _ := cmd.Flags().GetString("account")
		if accountStr == "" {
			accountStr = cfg.Engine.Owner
		}

		contract := common.HexToAddress(cfg.Engine.Contract)
		account := common.HexToAddress(accountStr)

		balance, err := st.GetCachedBalance(context.Background(), contract, account, tokenID)
		if err != nil {
			return err
		}
		if balance != nil {
			fmt.Printf("token %d  %s  %s (synced %s)\n",
				balance.TokenID, balance.Account.Hex(), balance.Amount.String(),
				balance.SyncedAt.Format(time.RFC3339))
			return nil
		}

		// Nothing cached; fall back to a live chain read.
		ld, conn, err := openLedger(cfg)
		if err != nil {
			return fmt.Errorf("no cached balance and chain lookup failed: %w", err)
		}
		defer conn.Close()

		amount, err := ld.ReadBalance(context.Background(), contract, account, tokenID)
		if err != nil {
			return fmt.Errorf("no cached balance and chain lookup failed: %w", err)
		}

		fmt.Printf("token %d  %s  %s (live)\n", tokenID, account.Hex(), amount.String())
		return nil
	},
}

// init registers the flags of the one-shot commands
func init() {
	registerCmd.Flags().Uint64("token", 0, "token id to watch")
	registerCmd.Flags().String("target", "", "target price that fires the listener")
	registerCmd.Flags().String("action", "", "action to execute: sell, buy or transfer")
	registerCmd.Flags().String("amount", "", "token amount the action moves")
	registerCmd.Flags().String("limit", "", "price limit (min for sell, max for buy)")
	registerCmd.Flags().String("recipient", "", "recipient address (transfer only)")
	registerCmd.Flags().String("owner", "", "owner address (defaults to engine.owner)")
	registerCmd.MarkFlagRequired("token")
	registerCmd.MarkFlagRequired("target")
	registerCmd.MarkFlagRequired("action")
	registerCmd.MarkFlagRequired("amount")

	listenersCmd.Flags().String("status", "", "filter by status: active, fired, cancelled")
	listenersCmd.Flags().Uint64("token", 0, "filter by token id")

	updatePriceCmd.Flags().Uint64("token", 0, "token id")
	updatePriceCmd.Flags().String("price", "", "observed price")
	updatePriceCmd.MarkFlagRequired("token")
	updatePriceCmd.MarkFlagRequired("price")

	syncCmd.Flags().String("contract", "", "contract address (defaults to engine.contract)")

	balanceCmd.Flags().Uint64("token", 0, "token id")
	balanceCmd.Flags().String("account", "", "account address (defaults to engine.owner)")
	balanceCmd.MarkFlagRequired("token")
}
