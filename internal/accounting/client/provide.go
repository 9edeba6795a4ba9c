package client

import (
	"errors"
	"strings"

	domain "github.com/memberware/treasury/internal/accounting/domain"
	"github.com/memberware/treasury/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log *zap.Logger
	Cfg config.Config
}

// Provide selects the accounting client implementation from config.
func Provide(p Params) (domain.Client, error) {
	switch p.Cfg.Accounting.Mode {
	case config.AccountingModeHTTP:
		if strings.TrimSpace(p.Cfg.Accounting.BaseURL) == "" {
			return nil, errors.New("accounting http mode requires a base url")
		}
		return NewHTTPClient(p.Log, p.Cfg.Accounting), nil
	default:
		return NewStubClient(p.Log), nil
	}
}
