package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	btclogv2 "github.com/btcsuite/btclog/v2"

	"github.com/nhle/mailrpc/internal/account"
	"github.com/nhle/mailrpc/internal/build"
	"github.com/nhle/mailrpc/internal/config"
	"github.com/nhle/mailrpc/internal/credential"
	"github.com/nhle/mailrpc/internal/emailrpc"
	"github.com/nhle/mailrpc/internal/filterapi"
	"github.com/nhle/mailrpc/internal/mailbox"
	"github.com/nhle/mailrpc/internal/model"
	"github.com/nhle/mailrpc/internal/store"
	"github.com/nhle/mailrpc/internal/watcher"
)

// openKeyring opens the credential store. Tests replace it with an
// in-memory keyring.
var openKeyring = func(dir string) (*credential.Store, error) {
	return credential.Open(dir)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (*model.AppConfig, error) {
	path := configPath
	if path == "" {
		path = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}

// openStore opens the SQLite database, creating its directory if needed.
func openStore(cfg *model.AppConfig) (*store.SQLiteStore, error) {
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return store.NewSQLiteStore(cfg.DBPath)
}

// env holds every component of a running instance.
type env struct {
	cfg      *model.AppConfig
	logging  *build.Logging
	log      btclogv2.Logger
	db       *store.SQLiteStore
	settings *config.Store
	creds    *credential.Store
	accounts *account.Directory
	ctrl     *emailrpc.Controller
	api      *filterapi.Client
	watcher  *watcher.Watcher
}

// openEnv wires the controller to real mail servers and starts it. The
// watcher is built but not running; the caller runs it.
func openEnv(ctx context.Context, console io.Writer) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logging, err := build.SetupLogging(cfg.Log, console)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:     cfg,
		logging: logging,
		log:     logging.Logger(build.MainSubsystem),
	}

	if err := e.open(ctx); err != nil {
		return nil, errors.Join(err, e.Close())
	}

	return e, nil
}

func (e *env) open(ctx context.Context) error {
	var err error

	e.db, err = openStore(e.cfg)
	if err != nil {
		return err
	}
	e.settings = config.NewStore(e.db)

	e.creds, err = openKeyring(model.ConfigDir())
	if err != nil {
		return err
	}

	e.accounts, err = account.NewDirectory(e.cfg.Accounts)
	if err != nil {
		return err
	}

	conn := mailbox.NewConnector(e.creds)
	smtp := mailbox.NewSMTPSender(e.creds, nil)

	apiCfg := filterapi.ConfigFromModel(e.cfg.FilterAPI)
	apiCfg.Accounts = e.accounts
	apiCfg.Keys = e.creds
	e.api, err = filterapi.NewClient(apiCfg)
	if err != nil {
		return err
	}

	ctrlCfg := emailrpc.ConfigFromModel(e.cfg.Controller)
	ctrlCfg.Accounts = e.accounts
	ctrlCfg.Background = smtp
	ctrlCfg.Compose = mailbox.NewComposeSender(smtp, conn)
	ctrlCfg.Janitor = conn
	ctrlCfg.Ledger = e.db
	ctrlCfg.Settings = e.settings
	ctrlCfg.SideChannel = e.api
	ctrlCfg.OnSent = func(accountID string) {
		e.watcher.Refresh(accountID)
	}
	e.ctrl, err = emailrpc.New(ctrlCfg)
	if err != nil {
		return err
	}
	e.api.SetCommander(e.ctrl)

	e.watcher, err = watcher.New(watcher.Config{
		Accounts: e.cfg.Accounts,
		Open: func(a model.Account) watcher.Fetcher {
			return conn.Client(a)
		},
		Receiver:     e.ctrl,
		PollInterval: e.cfg.Watcher.PollInterval,
		PageSize:     e.cfg.Watcher.PageSize,
	})
	if err != nil {
		return err
	}

	if err := e.ctrl.Start(ctx); err != nil {
		return err
	}

	err = e.settings.SetBool(ctx, config.Session, config.KeyInitialized,
		true)
	if err != nil {
		e.log.WarnS(ctx, "Marking session initialized", err)
	}

	return nil
}

// drain waits, at most for the auto-delete deadline, until the controller
// has no outstanding work, so that cleanups started by the last replies
// finish before Close cancels them.
func (e *env) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		e.cfg.Controller.AutoDeleteDeadline)
	defer cancel()

	if err := e.ctrl.WaitIdle(ctx); err != nil {
		e.log.WarnS(ctx, "Stopping with work outstanding", err,
			"snapshot", e.ctrl.Snapshot())
		return
	}
	e.log.DebugS(ctx, "Controller idle")
}

// Close stops the controller and releases every resource.
func (e *env) Close() error {
	var errs []error
	if e.ctrl != nil {
		errs = append(errs, e.ctrl.Stop())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.logging != nil {
		errs = append(errs, e.logging.Close())
	}
	return errors.Join(errs...)
}
