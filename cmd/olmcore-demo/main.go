// Command olmcore-demo wires the crypto core's components together
// the way a real client would: load or create an account, back it
// with a SQL crypto store, attach the key backup engine, and run a
// periodic job that checks it for a pending upload. It never enables a
// backup version itself, so that job only finds an upload once a
// caller has called EnableBackup. It never talks to a homeserver itself — the spec scopes
// HTTP transport out — so every "request" below is just logged rather
// than sent anywhere.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"go.mau.fi/olmcore/crypto"
	"go.mau.fi/olmcore/crypto/backup"
	"go.mau.fi/olmcore/crypto/contentscanner"
	"go.mau.fi/olmcore/crypto/store"
	"go.mau.fi/olmcore/id"
)

// picklekeyCustomValueKey is the store's custom-value key the demo
// keeps its local account-pickle encryption key under; a real client
// would derive this from OS keychain/secret storage instead.
var picklekeyCustomValueKey = []byte("olmcore-demo.account_pickle_key")

func main() {
	configPath := flag.String("config", "olmcore-demo.yaml", "path to the demo config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "olmcore-demo:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := zerolog.Nop()
	if cfg.Log != nil {
		compiled, err := cfg.Log.Compile()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		log = *compiled
	}

	cryptoStore, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening crypto store: %w", err)
	}
	defer cryptoStore.Close()

	account, err := loadOrCreateAccount(cryptoStore, cfg.UserID, cfg.DeviceID, log)
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}

	olm := crypto.NewOlmMachine(account, log)
	backupMachine := backup.NewMachine(account, olm.InboundGroups, log)
	olm.Backup = backupMachine

	var scanner *contentscanner.Client
	if cfg.ContentScannerURL != "" {
		scanner, err = contentscanner.NewClient(nil, cfg.ContentScannerURL, 0, log)
		if err != nil {
			return fmt.Errorf("initializing content scanner client: %w", err)
		}
	}

	c := cron.New()
	_, err = c.AddFunc(fmt.Sprintf("@every %s", cfg.BackupPollInterval), func() {
		pollBackup(backupMachine, log)
	})
	if err != nil {
		return fmt.Errorf("scheduling backup poll: %w", err)
	}
	c.Start()
	defer c.Stop()

	log.Info().
		Str("user_id", string(cfg.UserID)).
		Str("device_id", string(cfg.DeviceID)).
		Bool("content_scanner_enabled", scanner != nil).
		Msg("olmcore-demo started")

	select {}
}

// pollBackup drains whatever backup upload the engine has pending and
// logs it; a real client would send the request and call
// backupMachine.MarkRequestAsSent on success instead.
func pollBackup(backupMachine *backup.Machine, log zerolog.Logger) {
	req := backupMachine.PendingUpload()
	if req == nil {
		log.Debug().Msg("no pending backup upload")
		return
	}
	log.Info().Str("request_id", req.ID).Msg("backup upload ready to send")
}

// loadOrCreateAccount loads the demo's single persisted account, or
// creates and immediately persists a fresh one if the store is empty.
func loadOrCreateAccount(s *store.SQLCryptoStore, userID id.UserID, deviceID id.DeviceID, log zerolog.Logger) (*crypto.Account, error) {
	pickleKey, err := loadOrCreatePickleKey(s)
	if err != nil {
		return nil, fmt.Errorf("loading pickle key: %w", err)
	}

	row, err := s.LoadAccount()
	if err != nil {
		return nil, err
	}
	if row != nil {
		return crypto.LoadAccount(row.UserID, row.DeviceID, pickleKey, row.Pickle, log)
	}

	account, err := crypto.NewAccount(userID, deviceID, log)
	if err != nil {
		return nil, err
	}
	sealed, err := account.Pickle(pickleKey)
	if err != nil {
		return nil, err
	}
	if err := s.SaveAccount(store.AccountRow{UserID: userID, DeviceID: deviceID, Pickle: sealed}); err != nil {
		return nil, err
	}
	return account, nil
}

func loadOrCreatePickleKey(s *store.SQLCryptoStore) ([]byte, error) {
	if key, ok, err := s.GetCustomValue(picklekeyCustomValueKey); err != nil {
		return nil, err
	} else if ok {
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := s.SetCustomValue(picklekeyCustomValueKey, key); err != nil {
		return nil, err
	}
	return key, nil
}
