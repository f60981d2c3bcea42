// ledger-verify replays stored transaction chains and checks balance
// continuity offline, without a running node.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/copytrade/pkg/copytrade"
	"github.com/luxfi/copytrade/pkg/store"
)

func main() {
	dataDir := flag.String("data-dir", ".copytraded", "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	userID := flag.String("user", "", "Account user ID to verify (required)")
	currency := flag.String("currency", "USDT", "Account currency")
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	if *userID == "" {
		logger.Crit("Missing required flag", "flag", "-user")
		os.Exit(1)
	}

	dataPath := filepath.Join(os.Getenv("HOME"), *dataDir)
	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "copytraded"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Crit("Failed to open database", "path", dataPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	kvStore := store.New(db, logger)

	var (
		entries      int
		balance      = decimal.Zero
		lastSeq      uint64
		inconsistent bool
	)

	err = kvStore.ReplayTransactions(*userID, *currency, func(txn *copytrade.Transaction) error {
		entries++

		if txn.Seq != lastSeq+1 {
			inconsistent = true
			logger.Error("Sequence gap",
				"expected", lastSeq+1,
				"got", txn.Seq)
		}
		if !txn.BalanceBefore.Equal(balance) {
			inconsistent = true
			logger.Error("Balance chain broken",
				"seq", txn.Seq,
				"expectedBefore", balance.String(),
				"storedBefore", txn.BalanceBefore.String())
		}
		expectedAfter := txn.BalanceBefore.Add(txn.Amount)
		if !txn.BalanceAfter.Equal(expectedAfter) {
			inconsistent = true
			logger.Error("Entry does not sum",
				"seq", txn.Seq,
				"amount", txn.Amount.String(),
				"before", txn.BalanceBefore.String(),
				"after", txn.BalanceAfter.String())
		}

		balance = txn.BalanceAfter
		lastSeq = txn.Seq
		return nil
	})
	if err != nil {
		logger.Crit("Replay failed", "error", err)
		os.Exit(1)
	}

	if entries == 0 {
		logger.Info("No transactions found", "user", *userID, "currency", *currency)
		return
	}

	if inconsistent {
		logger.Error("Ledger chain INCONSISTENT",
			"user", *userID,
			"currency", *currency,
			"entries", entries)
		os.Exit(2)
	}

	logger.Info("Ledger chain verified",
		"user", *userID,
		"currency", *currency,
		"entries", entries,
		"finalBalance", balance.String())
	fmt.Printf("OK %s %s entries=%d balance=%s\n", *userID, *currency, entries, balance.String())
}
