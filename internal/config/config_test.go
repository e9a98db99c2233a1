package config_test

import (
	"errors"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/config"
)

func TestParse_FullConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
run:
  frequency: "1m"
  start_date: "2016-08-15"
  end_date: "2016-09-15"
  init_cash: "500000"
  risk_free_rate: 0.02
  days_per_year: 365
  trading_days_per_year: 252
costs:
  slippage_rate: "0.001"
data:
  margin_table: "testdata/margin.json"
server:
  port: 9090
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Run.Frequency != "1m" {
		t.Errorf("frequency = %q, want 1m", cfg.Run.Frequency)
	}
	cash, err := cfg.InitCash()
	if err != nil {
		t.Fatalf("InitCash: %v", err)
	}
	if !cash.Equal(decimal.NewFromInt(500000)) {
		t.Errorf("init cash = %s, want 500000", cash)
	}
	rate, err := cfg.SlippageRate()
	if err != nil {
		t.Fatalf("SlippageRate: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("slippage = %s, want 0.001", rate)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
}

func TestParse_DefaultsFillOmittedFields(t *testing.T) {
	cfg, err := config.Parse([]byte(`
run:
  start_date: "2016-08-15"
  end_date: "2016-08-20"
  init_cash: "100000"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Run.Frequency != "1d" {
		t.Errorf("frequency = %q, want default 1d", cfg.Run.Frequency)
	}
	if cfg.Run.DaysPerYear != 365 {
		t.Errorf("days_per_year = %v, want default 365", cfg.Run.DaysPerYear)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_BTS_CASH", "250000")
	defer os.Unsetenv("TEST_BTS_CASH")

	cfg, err := config.Parse([]byte(`
run:
  init_cash: "${TEST_BTS_CASH}"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cash, err := cfg.InitCash()
	if err != nil {
		t.Fatalf("InitCash: %v", err)
	}
	if !cash.Equal(decimal.NewFromInt(250000)) {
		t.Errorf("init cash = %s, want 250000 from env", cash)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad frequency", "run:\n  frequency: \"5m\"\n"},
		{"bad start date", "run:\n  start_date: \"15/08/2016\"\n"},
		{"end before start", "run:\n  start_date: \"2016-09-15\"\n  end_date: \"2016-08-15\"\n"},
		{"zero cash", "run:\n  init_cash: \"0\"\n"},
		{"negative slippage", "costs:\n  slippage_rate: \"-0.01\"\n"},
		{"bad port", "server:\n  port: 70000\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr config.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error %v is not a ValidationError", err)
			}
		})
	}
}
