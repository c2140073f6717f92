package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	accountrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands",
}

var promoteCmd = &cobra.Command{
	Use:   "promote <username|email>",
	Short: "Grant administrator rights to an existing account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, sync, err := bootstrap()
		if err != nil {
			return err
		}
		defer sync()

		db, err := database.Connect(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()

		acct, err := promote(cmd.Context(), accountrepo.NewAccountRepo(db), args[0], time.Now())
		if err != nil {
			return err
		}
		logger.Infow("account promoted", "account_id", acct.ID, "username", acct.Username)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(promoteCmd)
}

type promoter interface {
	FindByLogin(ctx context.Context, login string) (*entity.Account, error)
	SetAdmin(ctx context.Context, id int64, isAdmin bool, now time.Time) error
}

// promote bypasses the service's admin check; it bootstraps the first administrator.
func promote(ctx context.Context, accounts promoter, login string, now time.Time) (*entity.Account, error) {
	acct, err := accounts.FindByLogin(ctx, strings.ToLower(strings.TrimSpace(login)))
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("no account matches %q", login)
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if err := accounts.SetAdmin(ctx, acct.ID, true, now); err != nil {
		return nil, fmt.Errorf("set admin: %w", err)
	}
	acct.IsAdmin = true
	return acct, nil
}
