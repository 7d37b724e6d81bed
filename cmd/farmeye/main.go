package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/farmeye/api/pkg/api/client"
)

const defaultAPIBase = "http://localhost:8000"

type cliConfig struct {
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "logout":
		err = commandLogout(args)
	case "me":
		err = commandMe(args)
	case "scan":
		err = commandScan(args)
	case "history":
		err = commandHistory(args)
	case "pdf":
		err = commandPDF(args)
	case "stats":
		err = commandStats(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "Username or email")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}

	secret := *password
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tokens, err := client.Login(ctx, *username, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = tokens.AccessToken
	cfg.RefreshToken = tokens.RefreshToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.RefreshToken != "" {
		client, err := apiclient.New(cfg.APIBaseURL)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.Logout(ctx, cfg.RefreshToken); err != nil {
			fmt.Fprintf(os.Stderr, "warning: server logout failed: %v\n", err)
		}
	}
	cfg.AccessToken = ""
	cfg.RefreshToken = ""
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func commandMe(args []string) error {
	fs := flag.NewFlagSet("me", flag.ExitOnError)
	fs.Parse(args)

	return withSession(func(ctx context.Context, client *apiclient.Client, token string) error {
		user, err := client.Me(ctx, token)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", user.ID, user.Username, user.Email, user.FullName)
		return nil
	})
}

func commandScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	file := fs.String("file", "", "Path to a hen image")
	symptoms := fs.String("symptoms", "", "Comma separated symptoms")
	fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		return errors.New("--file is required")
	}
	var list []string
	for _, s := range strings.Split(*symptoms, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}

	return withSession(func(ctx context.Context, client *apiclient.Client, token string) error {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		d, err := client.Scan(ctx, token, apiclient.ScanInput{Filename: *file, Image: f, Symptoms: list})
		if err != nil {
			return err
		}
		fmt.Printf("diagnosis %d: %s (model %s, confidence %.2f)\n", d.ID, d.Result, d.Prediction, d.Confidence)
		fmt.Printf("recommendation [%s]: %s\n", d.RecommendationSource, d.Recommendation)
		return nil
	})
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	page := fs.Int("page", 1, "Page number")
	limit := fs.Int("limit", 10, "Page size (1-100)")
	result := fs.String("result", "", "Filter by result")
	symptom := fs.String("symptom", "", "Filter by symptom substring")
	from := fs.String("from", "", "Start date (YYYY-MM-DD or RFC 3339)")
	to := fs.String("to", "", "End date (YYYY-MM-DD or RFC 3339)")
	fs.Parse(args)

	return withSession(func(ctx context.Context, client *apiclient.Client, token string) error {
		resp, err := client.ListAnalyses(ctx, token, apiclient.ListOptions{
			Page:    *page,
			Limit:   *limit,
			Result:  *result,
			Symptom: *symptom,
			From:    *from,
			To:      *to,
		})
		if err != nil {
			return err
		}
		for _, d := range resp.Items {
			fmt.Printf("%d\t%s\t%s\t%s\n", d.ID, d.Timestamp.Format(time.RFC3339), d.Result, strings.Join(d.Symptoms, ", "))
		}
		fmt.Printf("page %d/%d (%d total)\n", resp.Page, resp.TotalPages, resp.Total)
		return nil
	})
}

func commandPDF(args []string) error {
	fs := flag.NewFlagSet("pdf", flag.ExitOnError)
	id := fs.Int64("id", 0, "Diagnosis identifier")
	out := fs.String("out", "", "Output path (default diagnosis-<id>.pdf)")
	fs.Parse(args)

	if *id <= 0 {
		return errors.New("--id is required")
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		path = fmt.Sprintf("diagnosis-%d.pdf", *id)
	}

	return withSession(func(ctx context.Context, client *apiclient.Client, token string) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		n, err := client.DownloadPDF(ctx, token, *id, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
			return err
		}
		fmt.Printf("saved %s (%d bytes)\n", path, n)
		return nil
	})
}

func commandStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	return withSession(func(ctx context.Context, client *apiclient.Client, token string) error {
		stats, err := client.Stats(ctx, token)
		if err != nil {
			return err
		}
		fmt.Printf("total %d, healthy %d, suspected %d, unknown %d\n", stats.Total, stats.Healthy, stats.Suspected, stats.Unknown)
		for _, s := range stats.SymptomFrequency {
			fmt.Printf("  %s\t%d\n", s.Symptom, s.Count)
		}
		for _, rec := range stats.Recommendations {
			fmt.Printf("- %s\n", rec)
		}
		return nil
	})
}

// withSession runs fn with the stored access token. When the API rejects it
// the refresh token is rotated once and fn is retried.
func withSession(fn func(ctx context.Context, client *apiclient.Client, token string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return errors.New("please login first using 'farmeye login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err = fn(ctx, client, cfg.AccessToken)
	var apiErr apiclient.APIError
	if !errors.As(err, &apiErr) || !apiErr.Unauthorized() || cfg.RefreshToken == "" {
		return err
	}
	tokens, refreshErr := client.Refresh(ctx, cfg.RefreshToken)
	if refreshErr != nil {
		return errors.New("session expired, please login again")
	}
	cfg.AccessToken = tokens.AccessToken
	cfg.RefreshToken = tokens.RefreshToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	return fn(ctx, client, cfg.AccessToken)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: envAPIBase()}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = envAPIBase()
	}
	return cfg, nil
}

func envAPIBase() string {
	if v := strings.TrimSpace(os.Getenv("FARMEYE_API")); v != "" {
		return v
	}
	return defaultAPIBase
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "farmeye", "config.json"), nil
}

func printUsage() {
	fmt.Printf("farmeye CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	farmeye login --username <name> [--password secret] [--api http://localhost:8000]
	farmeye logout
	farmeye me
	farmeye scan --file hen.jpg [--symptoms "nasal discharge,swollen eyes"]
	farmeye history [--page N] [--limit N] [--result r] [--symptom s] [--from date] [--to date]
	farmeye pdf --id <diagnosis-id> [--out report.pdf]
	farmeye stats
	farmeye version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
