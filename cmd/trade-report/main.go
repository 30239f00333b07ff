// trade-report prints a per-symbol realized PnL breakdown from the
// exchange income history. It is a read-only operational tool; run it
// with the same environment as the bot.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"futures-trading-bot/internal/binance"
)

type symbolStats struct {
	Symbol      string
	Trades      int
	Wins        int
	Losses      int
	RealizedPnL float64
	Funding     float64
	Commission  float64
}

func (s symbolStats) winRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

func main() {
	days := flag.Int("days", 7, "lookback window in days")
	flag.Parse()

	_ = godotenv.Load()

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	testnet := os.Getenv("BINANCE_TESTNET") == "true"
	if apiKey == "" || secretKey == "" {
		log.Fatal("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}

	client := binance.NewClient(apiKey, secretKey, testnet)

	balance, err := client.GetAccountBalance()
	if err != nil {
		log.Fatalf("failed to fetch account balance: %v", err)
	}
	fmt.Printf("Account balance: %.2f USDT (unrealized %.2f)\n\n",
		balance.TotalBalance, balance.TotalUnrealized)

	since := time.Now().AddDate(0, 0, -*days).UnixMilli()
	stats := map[string]*symbolStats{}

	collect := func(incomeType string, apply func(*symbolStats, binance.IncomeRecord)) {
		records, err := client.GetIncomeHistory(incomeType, since, 0, 1000)
		if err != nil {
			log.Fatalf("failed to fetch %s history: %v", incomeType, err)
		}
		for _, rec := range records {
			if rec.Symbol == "" {
				continue
			}
			s, ok := stats[rec.Symbol]
			if !ok {
				s = &symbolStats{Symbol: rec.Symbol}
				stats[rec.Symbol] = s
			}
			apply(s, rec)
		}
	}

	collect("REALIZED_PNL", func(s *symbolStats, rec binance.IncomeRecord) {
		s.Trades++
		s.RealizedPnL += rec.Income
		if rec.Income >= 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	})
	collect("FUNDING_FEE", func(s *symbolStats, rec binance.IncomeRecord) {
		s.Funding += rec.Income
	})
	collect("COMMISSION", func(s *symbolStats, rec binance.IncomeRecord) {
		s.Commission += rec.Income
	})

	if len(stats) == 0 {
		fmt.Printf("No realized trades in the last %d days.\n", *days)
		return
	}

	rows := make([]*symbolStats, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, s)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RealizedPnL > rows[j].RealizedPnL })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTRADES\tWINS\tLOSSES\tWIN%\tREALIZED\tFUNDING\tCOMMISSION\tNET")
	var totalNet float64
	for _, s := range rows {
		net := s.RealizedPnL + s.Funding + s.Commission
		totalNet += net
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			s.Symbol, s.Trades, s.Wins, s.Losses, s.winRate(),
			s.RealizedPnL, s.Funding, s.Commission, net)
	}
	w.Flush()
	fmt.Printf("\nNet over %d days: %.2f USDT\n", *days, totalNet)
}
