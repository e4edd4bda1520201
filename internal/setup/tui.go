package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// RunTUI launches the terminal configuration wizard and writes config.gen.yaml.
func RunTUI() error {
	var (
		platform     string
		quoteSymbol  string
		dbHost       string
		dbPortStr    string
		dbUser       string
		dbName       string
		kafkaBrokers string
		kafkaTopic   string
		kafkaGroup   string
		redisAddr    string
		dustStr      string
		hourlyStr    string
		standardStr  string
		journalDir   string
		confirm      bool
	)

	// defaults
	quoteSymbol = "USDT"
	dbHost = "localhost"
	dbPortStr = "5432"
	dbUser = "chainfolio"
	dbName = "chainfolio"
	kafkaBrokers = "localhost:9092"
	kafkaTopic = "ledger-events"
	kafkaGroup = "chainfolio-recalc"
	dustStr = "0"
	hourlyStr = "168h"
	standardStr = "2160h"
	journalDir = "wal/anomalies"

	// step 1: price source
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("CHAINFOLIO CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Let's wire up your balance engine.\n"))

	fmt.Println(stepStyle.Render("STEP 1: PRICE SOURCE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select market price source").
				Options(
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Bybit", "bybit"),
					huh.NewOption("Hyperliquid", "hyperliquid"),
					huh.NewOption("Static (offline)", "static"),
				).
				Value(&platform),
			huh.NewInput().
				Title("Quote Symbol").
				Description("Quote asset for price lookups (e.g. USDT)").
				Value(&quoteSymbol),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 2: database
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CHAINFOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: POSTGRESQL"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Host").Value(&dbHost),
			huh.NewInput().Title("Port").Value(&dbPortStr).Validate(validateInt),
			huh.NewInput().Title("User").Value(&dbUser),
			huh.NewInput().Title("Database").Value(&dbName),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 3: kafka
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CHAINFOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: TRANSACTION FEED"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Kafka Brokers").
				Description("Comma-separated (e.g. host1:9092,host2:9092)").
				Value(&kafkaBrokers).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one broker is required")
					}
					return nil
				}),
			huh.NewInput().Title("Topic").Value(&kafkaTopic),
			huh.NewInput().Title("Consumer Group").Value(&kafkaGroup),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 4: cache
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CHAINFOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: PRICE CACHE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Redis Address").
				Description("Leave empty to query prices without caching").
				Value(&redisAddr),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 5: snapshots
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CHAINFOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 5: SNAPSHOTS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Dust Threshold").
				Description("Positions at or below this token amount are treated as empty").
				Value(&dustStr).
				Validate(validateDecimal),
			huh.NewInput().
				Title("Hourly Retention").
				Description("Duration string (default 168h = 7 days)").
				Value(&hourlyStr).
				Validate(validateDuration),
			huh.NewInput().
				Title("Standard Retention").
				Description("Duration string (default 2160h = 90 days)").
				Value(&standardStr).
				Validate(validateDuration),
			huh.NewInput().
				Title("Anomaly Journal Directory").
				Value(&journalDir),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("CHAINFOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Price source: %s\nDatabase: %s@%s:%s/%s\nKafka: %s (%s)\nRedis: %s\nDust: %s\nRetention: %s hourly, %s standard\n",
		platform, dbUser, dbHost, dbPortStr, dbName, kafkaBrokers, kafkaTopic, orNone(redisAddr), dustStr, hourlyStr, standardStr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	dbPort, _ := strconv.Atoi(dbPortStr)
	brokers := []string{}
	for _, b := range strings.Split(kafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	cfg := map[string]any{
		"platform":     platform,
		"quote_symbol": quoteSymbol,
		"database": map[string]any{
			"host":   dbHost,
			"port":   dbPort,
			"user":   dbUser,
			"dbname": dbName,
		},
		"kafka": map[string]any{
			"brokers":  brokers,
			"topic":    kafkaTopic,
			"group_id": kafkaGroup,
		},
		"snapshot": map[string]any{
			"dust_threshold":     dustStr,
			"hourly_retention":   hourlyStr,
			"standard_retention": standardStr,
		},
		"anomaly_journal_dir": journalDir,
	}
	if redisAddr != "" {
		cfg["redis"] = map[string]any{"addr": redisAddr}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", filename)))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Set DB_PASSWORD (and API keys if needed) in the environment before starting."))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func validateDecimal(s string) error {
	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("must be a valid number")
	}
	return nil
}

func validateDuration(s string) error {
	_, err := time.ParseDuration(s)
	return err
}

func validateInt(s string) error {
	if _, err := strconv.Atoi(s); err != nil {
		return fmt.Errorf("must be a valid integer")
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
