package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"go.uber.org/zap"

	"github.com/vesperwallet/vesper/internal/core/wallet"
	"github.com/vesperwallet/vesper/internal/core/wallet/ledger"
	"github.com/vesperwallet/vesper/internal/core/wallet/spv"
	"github.com/vesperwallet/vesper/pkg/sigutil"
	"github.com/vesperwallet/vesper/pkg/tipwatch"
)

var defaultIndexers = map[string]string{
	"mainnet":       "https://blockstream.info/api",
	"testnet":       "https://blockstream.info/testnet/api",
	"liquid":        "https://blockstream.info/liquid/api",
	"liquidtestnet": "https://blockstream.info/liquidtestnet/api",
}

func main() {
	networkName := flag.String("network", "testnet", "network to operate on")
	mnemonicFile := flag.String("mnemonic-file", "", "file holding the bip39 mnemonic")
	passphrase := flag.String("passphrase", "", "optional bip39 passphrase")
	dataDir := flag.String("data-dir", "./vesper-db", "directory for wallet state")
	indexer := flag.String("indexer", "", "esplora base url (default depends on network)")
	proxy := flag.String("proxy", "", "optional socks5 proxy host:port")
	feeRate := flag.Int64("fee-rate", 0, "fee rate in sat per kvB (send)")
	to := flag.String("to", "", "recipient address (send)")
	amount := flag.Int64("amount", 0, "amount in satoshi (send)")
	txid := flag.String("txid", "", "transaction id (verify)")
	height := flag.Uint("height", 0, "claimed confirmation height (verify)")
	zmqHost := flag.String("zmq", "", "node zmq endpoint (watch)")
	internal := flag.Bool("internal", false, "derive on the change chain (address)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: vesper [flags] <address|balance|sync|history|send|verify|watch>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	network, err := wallet.NetworkByName(*networkName)
	if err != nil {
		logger.Fatal("bad network", zap.Error(err))
	}

	url := *indexer
	if url == "" {
		url = defaultIndexers[network.Name]
	}
	if url == "" {
		logger.Fatal("no indexer url for network", zap.String("network", network.Name))
	}

	if command == "watch" {
		runWatch(logger, *zmqHost)
		return
	}

	mnemonic, err := readMnemonic(*mnemonicFile)
	if err != nil {
		logger.Fatal("could not read mnemonic", zap.Error(err))
	}

	w, err := wallet.New(wallet.Config{
		Network:    network,
		Mnemonic:   mnemonic,
		Passphrase: *passphrase,
		DataDir:    *dataDir,
		IndexerURL: url,
		Proxy:      *proxy,
		Builder:    ledger.DefaultBuilderConfig(),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("could not open wallet", zap.Error(err))
	}
	defer w.Close()

	ctx := context.Background()
	switch command {
	case "address":
		chain := ledger.External
		if *internal {
			chain = ledger.Internal
		}
		addr, err := w.NextAddress(ctx, chain)
		if err != nil {
			logger.Fatal("could not derive address", zap.Error(err))
		}
		fmt.Println(addr.Address)

	case "sync":
		start := time.Now()
		if err := w.Sync(ctx); err != nil {
			logger.Fatal("sync failed", zap.Error(err))
		}
		logger.Info("sync complete", zap.Duration("took", time.Since(start)))

	case "balance":
		if err := w.Sync(ctx); err != nil {
			logger.Fatal("sync failed", zap.Error(err))
		}
		balance, err := w.Balance(ctx)
		if err != nil {
			logger.Fatal("could not read balance", zap.Error(err))
		}
		fmt.Println(balance)

	case "history":
		if err := w.Sync(ctx); err != nil {
			logger.Fatal("sync failed", zap.Error(err))
		}
		list, err := w.ListTransactions(ctx)
		if err != nil {
			logger.Fatal("could not list transactions", zap.Error(err))
		}
		for _, tx := range list {
			line := fmt.Sprintf("%s received=%d sent=%d fee=%d",
				tx.Txid, tx.Received, tx.Sent, tx.Fee)
			if tx.Height != nil {
				line += fmt.Sprintf(" height=%d", *tx.Height)
			} else {
				line += " unconfirmed"
			}
			fmt.Println(line)
		}

	case "send":
		if network.Sidechain != nil {
			logger.Fatal("sending is only supported on proof-of-work networks")
		}
		if *to == "" || *amount <= 0 {
			logger.Fatal("send requires -to and a positive -amount")
		}
		decoded, err := btcutil.DecodeAddress(*to, network.Params)
		if err != nil {
			logger.Fatal("bad recipient address", zap.Error(err))
		}
		script, err := txscript.PayToAddrScript(decoded)
		if err != nil {
			logger.Fatal("bad recipient address", zap.Error(err))
		}
		if err := w.Sync(ctx); err != nil {
			logger.Fatal("sync failed", zap.Error(err))
		}
		sent, err := w.Send(ctx,
			[]ledger.Recipient{{Script: script, Amount: *amount}}, *feeRate)
		if err != nil {
			logger.Fatal("send failed", zap.Error(err))
		}
		fmt.Println(sent)

	case "verify":
		if *txid == "" || *height == 0 {
			logger.Fatal("verify requires -txid and -height")
		}
		result, err := awaitVerification(ctx, w, *txid, uint32(*height), 2*time.Second, logger)
		if err != nil {
			logger.Fatal("verification failed", zap.Error(err))
		}
		fmt.Println(result)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

type paymentVerifier interface {
	VerifyPayment(ctx context.Context, txid string, height uint32) (spv.Result, error)
}

// awaitVerification drives a resumable verification to a terminal result.
// Header batches arrive one call at a time, and a claimed height at or past
// the indexer's tip can stay unverifiable for a while, so rounds are paced by
// wait instead of hammering the indexer.
func awaitVerification(ctx context.Context, v paymentVerifier, txid string, height uint32, wait time.Duration, logger *zap.Logger) (spv.Result, error) {
	for {
		result, err := v.VerifyPayment(ctx, txid, height)
		if err != nil || result != spv.NeedMoreHeaders {
			return result, err
		}
		logger.Info("headers behind claimed height, continuing",
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return spv.NotVerified, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func readMnemonic(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("mnemonic-file required")
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func runWatch(logger *zap.Logger, zmqHost string) {
	if zmqHost == "" {
		logger.Fatal("watch requires -zmq")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := tipwatch.NewWatcher(zmqHost, logger)
	defer watcher.Stop()
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("watcher stopped", zap.Error(err))
		}
	}()

	tips := watcher.Subscribe()
	defer watcher.UnSubscribe(tips)
	done := sigutil.Done()
	for {
		select {
		case <-done:
			return
		case tip := <-tips:
			fmt.Printf("%s %s\n", tip.SeenAt.Format(time.RFC3339), tip.Hash)
		}
	}
}
