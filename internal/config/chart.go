package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AccountSpec declares one chart-of-accounts entry.
type AccountSpec struct {
	Code string `mapstructure:"code"`
	Type string `mapstructure:"type"`
	Name string `mapstructure:"name"`
}

// ChartConfig declares the chart of accounts and the mapping from
// revenue entity types to revenue accounts. The chart is fixed for the
// lifetime of the process; file edits take effect on restart.
type ChartConfig struct {
	Accounts   []AccountSpec     `mapstructure:"accounts"`
	RevenueMap map[string]string `mapstructure:"revenueMap"`
}

func DefaultChartConfig() ChartConfig {
	return ChartConfig{
		Accounts: []AccountSpec{
			{Code: "cash", Type: "asset", Name: "Cash"},
			{Code: "accounts_receivable", Type: "asset", Name: "Accounts Receivable"},
			{Code: "subscription_revenue", Type: "revenue", Name: "Subscription Revenue"},
			{Code: "event_revenue", Type: "revenue", Name: "Event Revenue"},
			{Code: "booking_revenue", Type: "revenue", Name: "Booking Revenue"},
			{Code: "donation_revenue", Type: "revenue", Name: "Donation Revenue"},
			{Code: "processor_fees", Type: "expense", Name: "Processor Fees"},
			{Code: "refund_expense", Type: "expense", Name: "Refund Expense"},
			{Code: "refund_liability", Type: "liability", Name: "Refund Liability"},
			{Code: "credit_expense", Type: "expense", Name: "Member Credit Expense"},
			{Code: "credit_balance", Type: "liability", Name: "Member Credit Balance"},
		},
		RevenueMap: map[string]string{
			"membership": "subscription_revenue",
			"event":      "event_revenue",
			"booking":    "booking_revenue",
			"donation":   "donation_revenue",
		},
	}
}

var validAccountTypes = map[string]struct{}{
	"asset":     {},
	"liability": {},
	"revenue":   {},
	"expense":   {},
	"equity":    {},
}

type ChartConfigHolder struct {
	current atomic.Value // holds ChartConfig
}

func NewChartConfigHolder() (*ChartConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("treasury")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/treasury/config")
	v.AddConfigPath("/etc/treasury")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TREASURY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultChartConfig()
		v.SetDefault("chart.accounts", defaults.Accounts)
		v.SetDefault("chart.revenueMap", defaults.RevenueMap)
	}

	var cfg ChartConfig
	if err := v.UnmarshalKey("chart", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Accounts) == 0 && len(cfg.RevenueMap) == 0 {
		cfg = DefaultChartConfig()
	}
	if err := validateChartConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ChartConfigHolder{}
	holder.current.Store(cfg)

	// The chart is immutable while the process runs. Watch only to tell
	// operators their edit will not apply until restart.
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[chart-config] %s changed; chart of accounts is fixed at startup, restart to apply", e.Name)
	})

	return holder, nil
}

// NewStaticChartHolder wraps a fixed chart without touching the
// filesystem. Used by tests and seed tooling.
func NewStaticChartHolder(cfg ChartConfig) (*ChartConfigHolder, error) {
	if err := validateChartConfig(cfg); err != nil {
		return nil, err
	}
	holder := &ChartConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *ChartConfigHolder) Get() ChartConfig {
	return h.current.Load().(ChartConfig)
}

// RevenueAccountCode resolves the revenue account for an entity type.
func (c ChartConfig) RevenueAccountCode(entityType string) (string, bool) {
	code, ok := c.RevenueMap[strings.ToLower(strings.TrimSpace(entityType))]
	return code, ok
}

func validateChartConfig(cfg ChartConfig) error {
	if len(cfg.Accounts) == 0 {
		return errors.New("chart.accounts cannot be empty")
	}
	if len(cfg.RevenueMap) == 0 {
		return errors.New("chart.revenueMap cannot be empty")
	}

	codes := make(map[string]struct{}, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		code := strings.TrimSpace(account.Code)
		if code == "" {
			return errors.New("chart account code cannot be empty")
		}
		if _, dup := codes[code]; dup {
			return fmt.Errorf("chart account %q declared twice", code)
		}
		if _, ok := validAccountTypes[strings.TrimSpace(account.Type)]; !ok {
			return fmt.Errorf("chart account %q has invalid type %q", code, account.Type)
		}
		codes[code] = struct{}{}
	}

	for entityType, accountCode := range cfg.RevenueMap {
		if _, ok := codes[accountCode]; !ok {
			return fmt.Errorf("revenueMap entry %q points to unknown account %q", entityType, accountCode)
		}
	}
	return nil
}
